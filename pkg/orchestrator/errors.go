// pkg/orchestrator/errors.go
package orchestrator

import "fmt"

// ValidationError rejects a malformed sync request before any job record is
// created.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sync request: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
