package fleet

import (
	"fmt"
	"regexp"
)

// maxResolveIterations bounds reference expansion so a cyclic
// ${a.x} -> ${b.y} -> ${a.x} chain fails with a ConfigError instead of
// looping forever.
const maxResolveIterations = 32

// refPattern matches a single ${svc.attr} reference. An empty svc
// names the service whose own field is being resolved.
var refPattern = regexp.MustCompile(`\$\{([^.{}]*)\.([^{}]*)\}`)

// lookupFunc resolves one svc.attr pair to a value. svc is already
// resolved to a concrete service name (never empty) by the time this
// is called.
type lookupFunc func(svc, attr string) (string, bool)

// expandRef repeatedly replaces the left-most ${svc.attr} reference in
// val until none remain, resolving an empty svc as self. A reference
// that cannot be resolved is a ConfigError; the caller (Service.Start)
// raises this before any process is spawned.
func expandRef(val, self string, lookup lookupFunc) (string, error) {
	for i := 0; i < maxResolveIterations; i++ {
		loc := refPattern.FindStringSubmatchIndex(val)
		if loc == nil {
			return val, nil
		}
		svc := val[loc[2]:loc[3]]
		attr := val[loc[4]:loc[5]]
		if svc == "" {
			svc = self
		}
		repl, ok := lookup(svc, attr)
		if !ok {
			return "", &ConfigError{Msg: fmt.Sprintf("unresolved reference ${%s.%s}", svc, attr)}
		}
		val = val[:loc[0]] + repl + val[loc[1]:]
	}
	return "", &ConfigError{Msg: "cyclic or too-deep attribute reference: " + val}
}
