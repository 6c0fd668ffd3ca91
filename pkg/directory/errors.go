/* pkg/directory/errors.go */

package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionError reports a failed connect or bind, including how many
// reconnect attempts were spent before giving up.
type ConnectionError struct {
	Server   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("directory %s: connection failed after %d attempts: %v", e.Server, e.Attempts, e.Err)
	}
	return fmt.Sprintf("directory %s: connection failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SearchError reports a failed search that is not a timeout. Not retried
// automatically.
type SearchError struct {
	BaseDN string
	Filter string
	Err    error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("directory search under %s with filter %s failed: %v", e.BaseDN, e.Filter, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// SearchTimeout reports a search aborted by the server time limit or the
// caller's context deadline.
type SearchTimeout struct {
	BaseDN string
	Filter string
	Limit  time.Duration
	Err    error
}

func (e *SearchTimeout) Error() string {
	return fmt.Sprintf("directory search under %s with filter %s exceeded time limit %s", e.BaseDN, e.Filter, e.Limit)
}

func (e *SearchTimeout) Unwrap() error { return e.Err }

// classifySearchErr maps a raw search failure to the package taxonomy.
func classifySearchErr(err error, baseDN, filter string, limit time.Duration) error {
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultTimeLimitExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return &SearchTimeout{BaseDN: baseDN, Filter: filter, Limit: limit, Err: err}
	default:
		return &SearchError{BaseDN: baseDN, Filter: filter, Err: err}
	}
}

// isNetworkErr reports whether the failure indicates a dead connection, so
// the client can mark itself disconnected and let the reconnect policy run
// on next use.
func isNetworkErr(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.ErrorNetwork)
}
