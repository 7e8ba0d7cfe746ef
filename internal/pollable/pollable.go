// Package pollable implements the cooperative, non-blocking scheduling
// primitive the rest of fleetboot is built on: every long-running
// operation -- spawning a process, probing a TCP port, waiting on an
// IaaS instance transition -- is driven by repeated calls to Poll from
// a single goroutine rather than by blocking the caller.
package pollable

import "context"

// Pollable is the unit of cooperative work. Start begins the
// operation; Poll is called repeatedly until it reports done. A
// Pollable must never block inside Poll for more than a bounded,
// small amount of work -- the caller owns the polling loop and its
// cadence.
type Pollable interface {
	// Start begins the operation. It is called exactly once, before
	// any call to Poll.
	Start(ctx context.Context) error

	// Poll advances the operation by one quantum. It returns
	// (true, nil) on success, (true, err) on terminal failure, and
	// (false, nil) while work remains. Once Poll returns done, it is
	// never called again.
	Poll(ctx context.Context) (bool, error)

	// Cancel requests early termination. After Cancel, the next call
	// to Poll returns (true, nil) without error, regardless of the
	// operation's actual outcome. Cancel is safe to call multiple
	// times and after the Pollable has already completed.
	Cancel()
}

// DoneFunc is invoked when a Pollable completes successfully, with
// the Pollable itself so the callback can inspect its result.
type DoneFunc func(p Pollable)

// ProgressFunc is invoked on intermediate transitions -- retries,
// state changes -- that are worth surfacing to an operator without
// being terminal.
type ProgressFunc func(p Pollable, event, message string)

// Event names passed to a ProgressFunc.
const (
	EventStarted    = "started"
	EventTransition = "transition"
	EventComplete   = "complete"
	EventError      = "error"
)
