package iaas_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetboot/fleetboot/internal/iaas"
)

func pollUntil(t *testing.T, p interface {
	Poll(ctx context.Context) (bool, error)
}, max int) (bool, error) {
	t.Helper()
	for i := 0; i < max; i++ {
		done, err := p.Poll(context.Background())
		if done {
			return done, err
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("pollable did not complete in time")
	return false, nil
}

func TestLaunchHostnamePollable_ResolvesHostname(t *testing.T) {
	cloud := iaas.NewMemoryCloud()
	cloud.LaunchDelay = 5 * time.Millisecond

	p := &iaas.LaunchHostnamePollable{
		Cloud:        cloud,
		Image:        "ami-fake",
		InstanceType: "t3.micro",
		KeyName:      "key",
		KeyRefEnv:    "K",
		SecretRefEnv: "S",
		Region:       "us-east-1",
	}
	require.NoError(t, p.Start(context.Background()))
	done, err := pollUntil(t, p, 500)
	require.True(t, done)
	require.NoError(t, err)
	assert.NotEmpty(t, p.Hostname())
	assert.NotEmpty(t, p.InstanceID())
}

func TestTerminatePollable_IdempotentOnMissingInstance(t *testing.T) {
	cloud := iaas.NewMemoryCloud()
	p := &iaas.TerminatePollable{
		Cloud:        cloud,
		InstanceID:   "i-never-existed",
		KeyRefEnv:    "K",
		SecretRefEnv: "S",
		Region:       "us-east-1",
	}
	require.NoError(t, p.Start(context.Background()))
	done, err := p.Poll(context.Background())
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestTerminatePollable_ReachesTerminated(t *testing.T) {
	cloud := iaas.NewMemoryCloud()
	cloud.LaunchDelay = 1 * time.Millisecond
	cloud.TerminateDelay = 5 * time.Millisecond
	ctx := context.Background()

	con, _ := cloud.Connect(ctx, "K", "S", "", "us-east-1")
	inst, err := cloud.RunInstance(ctx, con, "ami-fake", "t3.micro", "key", nil)
	require.NoError(t, err)

	p := &iaas.TerminatePollable{
		Cloud:        cloud,
		InstanceID:   inst.ID(),
		KeyRefEnv:    "K",
		SecretRefEnv: "S",
		Region:       "us-east-1",
	}
	require.NoError(t, p.Start(context.Background()))
	done, err := pollUntil(t, p, 500)
	require.True(t, done)
	require.NoError(t, err)
}
