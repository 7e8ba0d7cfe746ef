package pollable_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetboot/fleetboot/internal/pollable"
)

func TestPortPollable_SucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	p := &pollable.PortPollable{
		HostFunc:    func() string { return "127.0.0.1" },
		Port:        addr.Port,
		RetryBudget: 5,
	}
	require.NoError(t, p.Start(context.Background()))
	done, err := pollUntilDone(t, p, 200)
	require.True(t, done)
	require.NoError(t, err)
}

func TestPortPollable_WaitsForHostname(t *testing.T) {
	var host string
	p := &pollable.PortPollable{
		HostFunc:    func() string { return host },
		Port:        1,
		RetryBudget: 5,
	}
	require.NoError(t, p.Start(context.Background()))
	done, err := p.Poll(context.Background())
	assert.False(t, done)
	assert.NoError(t, err, "absent hostname should not consume the retry budget")
}

func TestPortPollable_ExhaustsRetryBudget(t *testing.T) {
	p := &pollable.PortPollable{
		HostFunc:    func() string { return "127.0.0.1" },
		Port:        1, // reserved, nothing listens
		RetryBudget: 1,
		DialTimeout: 5 * time.Millisecond,
	}
	require.NoError(t, p.Start(context.Background()))

	var lastErr error
	var done bool
	for i := 0; i < 5 && !done; i++ {
		done, lastErr = p.Poll(context.Background())
	}
	require.True(t, done)
	var pe *pollable.PortUnreachableError
	require.ErrorAs(t, lastErr, &pe)
}
