package iaas

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetboot/fleetboot/internal/pollable"
)

// LaunchHostnamePollable drives an instance from launch (or, if
// ResumeInstanceID is set, from an already-running instance being
// re-attached to) through to a resolved public hostname. Credential
// resolution happens inside Start, so a misconfigured environment
// surfaces as this pollable's Start error rather than a panic deep in
// the SDK.
type LaunchHostnamePollable struct {
	Cloud Cloud

	Image, InstanceType, KeyName string
	SecurityGroups               []string
	KeyRefEnv, SecretRefEnv      string
	Endpoint, Region             string

	// ResumeInstanceID, if set, skips RunInstance and attaches to an
	// existing instance instead -- used when a service already has
	// an instance_id but no hostname, e.g. after a process crash
	// between launch and contextualization.
	ResumeInstanceID string

	Timeout time.Duration

	DoneCB     DoneFunc
	ProgressCB pollable.ProgressFunc

	con       Connection
	instance  Instance
	startedAt time.Time
	done      bool
	cancelled bool
}

// DoneFunc receives the pollable once it has a resolved instance.
type DoneFunc func(p *LaunchHostnamePollable)

func (p *LaunchHostnamePollable) Start(ctx context.Context) error {
	p.startedAt = time.Now()
	con, err := p.Cloud.Connect(ctx, p.KeyRefEnv, p.SecretRefEnv, p.Endpoint, p.Region)
	if err != nil {
		return err
	}
	p.con = con

	if p.ResumeInstanceID != "" {
		inst, err := p.Cloud.FindInstance(ctx, con, p.ResumeInstanceID)
		if err != nil {
			return &IaaSError{Op: "find_instance", Err: err}
		}
		p.instance = inst
		return nil
	}

	inst, err := p.Cloud.RunInstance(ctx, con, p.Image, p.InstanceType, p.KeyName, p.SecurityGroups)
	if err != nil {
		return &IaaSError{Op: "run_instance", Err: err}
	}
	p.instance = inst
	return nil
}

func (p *LaunchHostnamePollable) Poll(ctx context.Context) (bool, error) {
	if p.done || p.cancelled {
		return true, nil
	}
	if p.Timeout > 0 && time.Since(p.startedAt) > p.Timeout {
		p.done = true
		return true, &pollable.TimeoutError{Op: "launch " + p.Image, Elapsed: time.Since(p.startedAt).String()}
	}
	if err := p.instance.Update(ctx); err != nil {
		return false, err
	}
	switch p.instance.State() {
	case StateRunning:
		if p.instance.PublicDNSName() == "" {
			return false, nil
		}
		p.done = true
		if p.DoneCB != nil {
			p.DoneCB(p)
		}
		return true, nil
	case StateShuttingDown, StateTerminated:
		p.done = true
		return true, &IaaSError{Op: "launch", Err: fmt.Errorf("instance %s reached %s while launching", p.instance.ID(), p.instance.State())}
	default:
		return false, nil
	}
}

func (p *LaunchHostnamePollable) Cancel() { p.cancelled = true }

// InstanceID returns the resolved instance ID, or "" before Start
// completes.
func (p *LaunchHostnamePollable) InstanceID() string {
	if p.instance == nil {
		return ""
	}
	return p.instance.ID()
}

// Hostname returns the resolved public hostname, or "" until running.
func (p *LaunchHostnamePollable) Hostname() string {
	if p.instance == nil {
		return ""
	}
	return p.instance.PublicDNSName()
}

// TerminatePollable drives an instance from its current state to
// StateTerminated. Finding no such instance is treated as success:
// tear-down is idempotent, so a previously terminated or already-gone
// instance is not an error.
type TerminatePollable struct {
	Cloud Cloud

	InstanceID              string
	KeyRefEnv, SecretRefEnv string
	Endpoint, Region        string

	Timeout time.Duration

	DoneCB func(p *TerminatePollable)

	startedAt time.Time
	instance  Instance
	notFound  bool
	done      bool
	cancelled bool
}

func (p *TerminatePollable) Start(ctx context.Context) error {
	p.startedAt = time.Now()
	con, err := p.Cloud.Connect(ctx, p.KeyRefEnv, p.SecretRefEnv, p.Endpoint, p.Region)
	if err != nil {
		return err
	}
	inst, err := p.Cloud.FindInstance(ctx, con, p.InstanceID)
	if err != nil {
		p.notFound = true
		return nil
	}
	p.instance = inst
	return inst.Terminate(ctx)
}

func (p *TerminatePollable) Poll(ctx context.Context) (bool, error) {
	if p.done || p.cancelled || p.notFound {
		if !p.done {
			p.done = true
			if p.DoneCB != nil {
				p.DoneCB(p)
			}
		}
		return true, nil
	}
	if p.Timeout > 0 && time.Since(p.startedAt) > p.Timeout {
		p.done = true
		return true, &pollable.TimeoutError{Op: "terminate " + p.InstanceID, Elapsed: time.Since(p.startedAt).String()}
	}
	if err := p.instance.Update(ctx); err != nil {
		return false, err
	}
	if p.instance.State() == StateTerminated {
		p.done = true
		if p.DoneCB != nil {
			p.DoneCB(p)
		}
		return true, nil
	}
	return false, nil
}

func (p *TerminatePollable) Cancel() { p.cancelled = true }
