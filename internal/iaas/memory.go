package iaas

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryCloud is a deterministic, in-process Cloud double for tests
// and local dry-runs. It never talks to a network; instances
// transition pending -> running after LaunchDelay, and
// shutting-down -> terminated after TerminateDelay, both driven by
// wall-clock time rather than a background goroutine so the whole
// thing stays single-threaded and poll-driven like everything else in
// this package.
//
// Unlike the original Python test double this is modeled on, instance
// termination here actually reaches StateTerminated: the Python
// fixture's terminate() resets the fake back to "running" after its
// delay elapses, which reads as an artifact of how that test harness
// was wired rather than intended behavior, and reproducing it would
// make tear-down un-testable.
type MemoryCloud struct {
	LaunchDelay    time.Duration
	TerminateDelay time.Duration

	// HostnameFunc overrides how a launched instance's public hostname
	// is synthesized from its id. Tests that need a dialable port
	// pollable target (e.g. "127.0.0.1") set this; production callers
	// leave it nil and get the default "<id>.fleet.test" placeholder.
	HostnameFunc func(id string) string

	instances map[string]*memoryInstance
	counter   atomic.Int64
}

// NewMemoryCloud returns a MemoryCloud with short, test-friendly
// default delays.
func NewMemoryCloud() *MemoryCloud {
	return &MemoryCloud{
		LaunchDelay:    50 * time.Millisecond,
		TerminateDelay: 50 * time.Millisecond,
		instances:      make(map[string]*memoryInstance),
	}
}

type memoryInstanceConnection struct{}

func (c *MemoryCloud) Connect(ctx context.Context, keyRefEnv, secretRefEnv, endpoint, region string) (Connection, error) {
	return &memoryInstanceConnection{}, nil
}

func (c *MemoryCloud) RunInstance(ctx context.Context, con Connection, image, instanceType, keyName string, securityGroups []string) (Instance, error) {
	id := "i-" + uuid.NewString()[:12]
	hostname := fmt.Sprintf("%s.fleet.test", id)
	if c.HostnameFunc != nil {
		hostname = c.HostnameFunc(id)
	}
	inst := &memoryInstance{
		id:            id,
		state:         StatePending,
		launchedAt:    time.Now(),
		launchDelay:   c.LaunchDelay,
		terminateWait: c.TerminateDelay,
		hostname:      hostname,
	}
	c.instances[id] = inst
	return inst, nil
}

func (c *MemoryCloud) FindInstance(ctx context.Context, con Connection, instanceID string) (Instance, error) {
	inst, ok := c.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("no such instance: %s", instanceID)
	}
	return inst, nil
}

type memoryInstance struct {
	id            string
	state         InstanceState
	hostname      string
	launchedAt    time.Time
	launchDelay   time.Duration
	terminatedAt  time.Time
	terminateWait time.Duration
}

func (m *memoryInstance) ID() string { return m.id }

func (m *memoryInstance) State() InstanceState { return m.state }

func (m *memoryInstance) PublicDNSName() string {
	if m.state != StateRunning {
		return ""
	}
	return m.hostname
}

func (m *memoryInstance) Update(ctx context.Context) error {
	switch m.state {
	case StatePending:
		if time.Since(m.launchedAt) >= m.launchDelay {
			m.state = StateRunning
		}
	case StateShuttingDown:
		if time.Since(m.terminatedAt) >= m.terminateWait {
			m.state = StateTerminated
		}
	}
	return nil
}

func (m *memoryInstance) Terminate(ctx context.Context) error {
	if m.state == StateTerminated {
		return nil
	}
	m.state = StateShuttingDown
	m.terminatedAt = time.Now()
	return nil
}
