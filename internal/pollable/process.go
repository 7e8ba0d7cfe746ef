package pollable

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// ProcessPollable drives an external command to completion without
// blocking the poller: the command is started once, and its exit is
// observed via a buffered channel fed by a single goroutine parked in
// cmd.Wait, so Poll itself never blocks.
//
// A non-zero exit respawns the command, consuming one unit of
// AllowedErrors, until the budget is exhausted and the last failure
// is reported as a CommandFailedError.
type ProcessPollable struct {
	// Command is executed via /bin/sh -c, matching the shell-quoted
	// strings the remote package builds.
	Command string
	// Timeout bounds the whole operation, including retries. Zero
	// means no deadline.
	Timeout time.Duration
	// AllowedErrors is the number of respawns permitted after a
	// non-zero exit before giving up. Zero means fail on first
	// non-zero exit.
	AllowedErrors int

	DoneCB     DoneFunc
	ProgressCB ProgressFunc

	cmd         *exec.Cmd
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	startedAt   time.Time
	waitCh      chan error
	exitCode    int
	retriesLeft int
	cancelled   bool
	done        bool
}

// Stdout returns the captured standard output of the most recent run.
func (p *ProcessPollable) Stdout() string { return p.stdout.String() }

// Stderr returns the captured standard error of the most recent run.
func (p *ProcessPollable) Stderr() string { return p.stderr.String() }

// ExitCode returns the exit code of the most recently completed run.
func (p *ProcessPollable) ExitCode() int { return p.exitCode }

func (p *ProcessPollable) Start(ctx context.Context) error {
	p.startedAt = time.Now()
	p.retriesLeft = p.AllowedErrors
	return p.spawn()
}

func (p *ProcessPollable) spawn() error {
	p.stdout.Reset()
	p.stderr.Reset()

	cmd := exec.Command("/bin/sh", "-c", p.Command)
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	p.cmd = cmd
	p.waitCh = make(chan error, 1)
	go func(c *exec.Cmd, ch chan<- error) {
		ch <- c.Wait()
	}(cmd, p.waitCh)
	return nil
}

func (p *ProcessPollable) Poll(ctx context.Context) (bool, error) {
	if p.done || p.cancelled {
		return true, nil
	}
	if p.Timeout > 0 && time.Since(p.startedAt) > p.Timeout {
		p.killChild()
		p.done = true
		return true, &TimeoutError{Op: "process " + p.Command, Elapsed: time.Since(p.startedAt).String()}
	}

	select {
	case werr := <-p.waitCh:
		exitCode := 0
		if werr != nil {
			if ee, ok := werr.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				exitCode = -1
			}
		}
		p.exitCode = exitCode

		if exitCode == 0 {
			p.done = true
			if p.ProgressCB != nil {
				p.ProgressCB(p, EventComplete, p.Command)
			}
			if p.DoneCB != nil {
				p.DoneCB(p)
			}
			return true, nil
		}

		if p.retriesLeft > 0 {
			p.retriesLeft--
			if p.ProgressCB != nil {
				p.ProgressCB(p, EventTransition, "retrying after non-zero exit")
			}
			if err := p.spawn(); err != nil {
				return false, err
			}
			return false, nil
		}

		p.done = true
		return true, &CommandFailedError{
			Command:  p.Command,
			ExitCode: exitCode,
			Stdout:   p.stdout.String(),
			Stderr:   p.stderr.String(),
		}
	default:
		return false, nil
	}
}

func (p *ProcessPollable) Cancel() {
	if p.done || p.cancelled {
		return
	}
	p.cancelled = true
	p.killChild()
}

func (p *ProcessPollable) killChild() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
