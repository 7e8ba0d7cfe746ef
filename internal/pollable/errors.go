package pollable

import "fmt"

// TimeoutError reports that a Pollable exceeded its deadline without
// reaching a terminal state.
type TimeoutError struct {
	Op      string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.Elapsed)
}

// CommandFailedError reports a process pollable exhausting its retry
// budget without a zero exit code.
type CommandFailedError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %q exited %d", e.Command, e.ExitCode)
}

// PortUnreachableError reports a port pollable exhausting its retry
// budget without completing a TCP connect.
type PortUnreachableError struct {
	Host string
	Port int
}

func (e *PortUnreachableError) Error() string {
	return fmt.Sprintf("port %s:%d never became reachable", e.Host, e.Port)
}

// MultilevelError is the composite error a MultiLevelPollable raises
// when one or more members of a level fail and continue-on-error is
// not set. It carries every member that failed so a caller can report
// on all of them, not just the first.
type MultilevelError struct {
	Level  int
	Errors []error
}

func (e *MultilevelError) Error() string {
	return fmt.Sprintf("level %d: %d member(s) failed: %s", e.Level, len(e.Errors), e.Errors[0])
}

func (e *MultilevelError) Unwrap() []error {
	return e.Errors
}

// ErrAPIMisuse is returned when a caller violates the Pollable
// lifecycle contract, such as adding a level after Start.
type ErrAPIMisuse struct {
	Msg string
}

func (e *ErrAPIMisuse) Error() string {
	return "api misuse: " + e.Msg
}
