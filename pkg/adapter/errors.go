// pkg/adapter/errors.go

package adapter

import (
	"errors"
	"fmt"
)

// AdapterError wraps a failure from a downstream tool API with enough
// context to decide whether the run can continue. Fatal errors (bad
// credentials, unreachable endpoint, unknown tool) abort the run; everything
// else is counted against the entity that triggered it and the run moves on.
type AdapterError struct {
	Tool       string
	Op         string
	Kind       EntityKind
	Identifier string
	Fatal      bool
	Err        error
}

func (e *AdapterError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("%s: %s %s %q: %v", e.Tool, e.Op, e.Kind, e.Identifier, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Tool, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a fatal adapter failure anywhere in
// its chain.
func IsFatal(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Fatal
}

// ConflictDetected is returned by an adapter when it refuses to apply a
// change because the remote side diverged in a way the conflict policy must
// arbitrate. It is not a failure: the engine records the conflict and skips
// the change.
type ConflictDetected struct {
	Conflict Conflict
}

func (e *ConflictDetected) Error() string {
	c := e.Conflict
	return fmt.Sprintf("conflict on %s %q field %s: directory=%q remote=%q",
		c.Kind, c.Identifier, c.Field, c.DirectoryValue, c.RemoteValue)
}

// ErrUnknownTool is wrapped by the registry when no adapter is registered
// under a requested slug.
var ErrUnknownTool = errors.New("unknown tool")
