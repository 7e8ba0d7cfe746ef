package pollable

import (
	"context"
	"net"
	"strconv"
	"time"
)

// PortPollable probes a TCP port with a non-blocking connect attempt
// on each poll. HostFunc is consulted on every attempt rather than
// once at Start, since the target host is frequently not yet known
// when the pollable is constructed (it depends on an earlier level of
// the same plan resolving an IaaS hostname).
type PortPollable struct {
	HostFunc    func() string
	Port        int
	RetryBudget int
	Timeout     time.Duration
	DialTimeout time.Duration

	DoneCB     DoneFunc
	ProgressCB ProgressFunc

	startedAt    time.Time
	attemptsLeft int
	cancelled    bool
	done         bool
}

func (p *PortPollable) Start(ctx context.Context) error {
	p.startedAt = time.Now()
	p.attemptsLeft = p.RetryBudget
	return nil
}

func (p *PortPollable) Poll(ctx context.Context) (bool, error) {
	if p.done || p.cancelled {
		return true, nil
	}
	if p.Timeout > 0 && time.Since(p.startedAt) > p.Timeout {
		p.done = true
		return true, &TimeoutError{Op: "port probe", Elapsed: time.Since(p.startedAt).String()}
	}

	host := p.HostFunc()
	if host == "" {
		// Hostname not resolved yet; this is not an attempt, just a
		// quantum spent waiting on an upstream level.
		return false, nil
	}

	dialTimeout := p.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 2 * time.Second
	}
	addr := net.JoinHostPort(host, strconv.Itoa(p.Port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err == nil {
		conn.Close()
		p.done = true
		if p.ProgressCB != nil {
			p.ProgressCB(p, EventComplete, addr)
		}
		if p.DoneCB != nil {
			p.DoneCB(p)
		}
		return true, nil
	}

	if p.attemptsLeft <= 0 {
		p.done = true
		return true, &PortUnreachableError{Host: host, Port: p.Port}
	}
	p.attemptsLeft--
	if p.ProgressCB != nil {
		p.ProgressCB(p, EventTransition, "port not yet reachable: "+err.Error())
	}
	return false, nil
}

func (p *PortPollable) Cancel() {
	p.cancelled = true
}
