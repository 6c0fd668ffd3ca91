// pkg/cli/wrap_test.go

package cli

import (
	"errors"
	"testing"

	cerr "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/orchestrator"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
)

func TestExitCodeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, 0},
		{"engine failure", errors.New("postgres unreachable"), 1},
		{"validation error", &orchestrator.ValidationError{Err: errors.New("bad scope")}, 2},
		{"wrapped validation error", cerr.Wrap(&orchestrator.ValidationError{Err: errors.New("bad scope")}, "start job"), 2},
		{"not found", cerr.Wrapf(store.ErrNotFound, "tool config %q", "nope"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ExitCode(tt.err))
			assert.Equal(t, tt.code == 2, IsUserError(tt.err))
		})
	}
}
