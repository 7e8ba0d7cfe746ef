package fleet

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by a RecordStore.Load call for a name
// it has no record of.
var ErrRecordNotFound = errors.New("fleet: record not found")

// ConfigError reports a problem with how a plan or service is
// configured: a missing reference, a mutually-exclusive field
// combination, a cyclic attribute reference. It is always a
// programmer/operator mistake, never a transient condition.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

// APIMisuseError reports a caller violating the Plan/Service lifecycle
// contract, such as starting a plan twice.
type APIMisuseError struct {
	Msg string
}

func (e *APIMisuseError) Error() string { return "api misuse: " + e.Msg }

// ServiceError wraps a failure attributable to a specific service,
// carrying its name and underlying cause so a Plan-level failure can
// report exactly which service(s) broke.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
