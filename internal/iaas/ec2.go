package iaas

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Ec2Cloud drives real AWS EC2 instances. It is the one place in
// fleetboot that exercises the AWS SDK: everywhere else in the
// engine, IaaS is just the Cloud interface.
type Ec2Cloud struct{}

// NewEc2Cloud returns an Ec2Cloud. It holds no state of its own; each
// Connect call produces an independent client bound to the resolved
// region, endpoint, and credentials.
func NewEc2Cloud() *Ec2Cloud { return &Ec2Cloud{} }

type ec2Connection struct {
	client *ec2.Client
}

// Connect resolves an access key and secret from the named
// environment variables and builds an EC2 client. keyRefEnv and
// secretRefEnv are variable NAMES, not the credential values
// themselves -- the plan only ever stores references to where
// credentials live, never the credentials.
func (c *Ec2Cloud) Connect(ctx context.Context, keyRefEnv, secretRefEnv, endpoint, region string) (Connection, error) {
	accessKey := os.Getenv(keyRefEnv)
	secretKey := os.Getenv(secretRefEnv)
	if accessKey == "" || secretKey == "" {
		return nil, &IaaSError{Op: "connect", Err: fmt.Errorf("environment variables %s/%s are not both set", keyRefEnv, secretRefEnv)}
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &IaaSError{Op: "connect", Err: err}
	}

	var clientOpts []func(*ec2.Options)
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *ec2.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return &ec2Connection{client: ec2.NewFromConfig(cfg, clientOpts...)}, nil
}

func (c *Ec2Cloud) RunInstance(ctx context.Context, con Connection, image, instanceType, keyName string, securityGroups []string) (Instance, error) {
	ec2con, ok := con.(*ec2Connection)
	if !ok {
		return nil, &IaaSError{Op: "run_instance", Err: fmt.Errorf("connection was not produced by Ec2Cloud.Connect")}
	}

	out, err := ec2con.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:        &image,
		InstanceType:   types.InstanceType(instanceType),
		KeyName:        &keyName,
		SecurityGroups: securityGroups,
		MinCount:       awsInt32(1),
		MaxCount:       awsInt32(1),
	})
	if err != nil {
		return nil, &IaaSError{Op: "run_instance", Err: err}
	}
	if len(out.Instances) == 0 {
		return nil, &IaaSError{Op: "run_instance", Err: fmt.Errorf("ec2 returned no instances")}
	}
	return &ec2Instance{client: ec2con.client, raw: out.Instances[0]}, nil
}

func (c *Ec2Cloud) FindInstance(ctx context.Context, con Connection, instanceID string) (Instance, error) {
	ec2con, ok := con.(*ec2Connection)
	if !ok {
		return nil, &IaaSError{Op: "find_instance", Err: fmt.Errorf("connection was not produced by Ec2Cloud.Connect")}
	}
	out, err := ec2con.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, &IaaSError{Op: "find_instance", Err: err}
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId != nil && *inst.InstanceId == instanceID {
				return &ec2Instance{client: ec2con.client, raw: inst}, nil
			}
		}
	}
	return nil, &IaaSError{Op: "find_instance", Err: fmt.Errorf("instance %s not found", instanceID)}
}

type ec2Instance struct {
	client *ec2.Client
	raw    types.Instance
}

func (i *ec2Instance) ID() string {
	if i.raw.InstanceId == nil {
		return ""
	}
	return *i.raw.InstanceId
}

func (i *ec2Instance) State() InstanceState {
	if i.raw.State == nil {
		return StatePending
	}
	switch i.raw.State.Name {
	case types.InstanceStateNameRunning:
		return StateRunning
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameStopping, types.InstanceStateNameStopped:
		return StateShuttingDown
	case types.InstanceStateNameTerminated:
		return StateTerminated
	default:
		return StatePending
	}
}

func (i *ec2Instance) PublicDNSName() string {
	if i.raw.PublicDnsName == nil {
		return ""
	}
	return *i.raw.PublicDnsName
}

func (i *ec2Instance) Update(ctx context.Context) error {
	out, err := i.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{i.ID()},
	})
	if err != nil {
		return &IaaSError{Op: "update", Err: err}
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId != nil && *inst.InstanceId == i.ID() {
				i.raw = inst
				return nil
			}
		}
	}
	return &IaaSError{Op: "update", Err: fmt.Errorf("instance %s vanished", i.ID())}
}

func (i *ec2Instance) Terminate(ctx context.Context) error {
	_, err := i.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{i.ID()},
	})
	if err != nil {
		return &IaaSError{Op: "terminate", Err: err}
	}
	return nil
}

func awsInt32(v int32) *int32 { return &v }
