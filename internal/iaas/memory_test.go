package iaas_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetboot/fleetboot/internal/iaas"
)

func TestMemoryCloud_LaunchTransitionsPendingToRunning(t *testing.T) {
	cloud := iaas.NewMemoryCloud()
	cloud.LaunchDelay = 10 * time.Millisecond
	ctx := context.Background()

	con, err := cloud.Connect(ctx, "K", "S", "", "us-east-1")
	require.NoError(t, err)

	inst, err := cloud.RunInstance(ctx, con, "ami-fake", "t3.micro", "key", nil)
	require.NoError(t, err)
	assert.Equal(t, iaas.StatePending, inst.State())
	assert.Empty(t, inst.PublicDNSName())

	require.Eventually(t, func() bool {
		_ = inst.Update(ctx)
		return inst.State() == iaas.StateRunning
	}, time.Second, 2*time.Millisecond)

	assert.NotEmpty(t, inst.PublicDNSName())
}

func TestMemoryCloud_TerminateReachesTerminated(t *testing.T) {
	cloud := iaas.NewMemoryCloud()
	cloud.TerminateDelay = 10 * time.Millisecond
	ctx := context.Background()

	con, _ := cloud.Connect(ctx, "K", "S", "", "us-east-1")
	inst, err := cloud.RunInstance(ctx, con, "ami-fake", "t3.micro", "key", nil)
	require.NoError(t, err)

	require.NoError(t, inst.Terminate(ctx))
	assert.Equal(t, iaas.StateShuttingDown, inst.State())

	require.Eventually(t, func() bool {
		_ = inst.Update(ctx)
		return inst.State() == iaas.StateTerminated
	}, time.Second, 2*time.Millisecond)
}

func TestMemoryCloud_FindInstanceUnknownID(t *testing.T) {
	cloud := iaas.NewMemoryCloud()
	ctx := context.Background()
	con, _ := cloud.Connect(ctx, "K", "S", "", "us-east-1")
	_, err := cloud.FindInstance(ctx, con, "i-does-not-exist")
	require.Error(t, err)
}
