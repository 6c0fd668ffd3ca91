// pkg/cli/wrap.go

// Package cli carries the wrapper every hermes command runs through: it
// loads settings, installs the logger and tracer, recovers panics, and
// classifies errors so the process can exit with a meaningful code.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/hermes/pkg/config"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/logger"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/orchestrator"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/secrets"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/store"
	"github.com/CodeMonkeyCybersecurity/hermes/pkg/telemetry"
)

// RuntimeContext is handed to every command: a signal-aware context, the
// process logger, and the loaded settings.
type RuntimeContext struct {
	Ctx      context.Context
	Log      *zap.Logger
	Settings *config.Settings
}

// Wrap adapts a hermes command to cobra's RunE. The context it hands the
// command is cancelled on SIGINT and SIGTERM, so long-running commands unwind
// through their normal shutdown path instead of dying mid-write.
func Wrap(fn func(rc *RuntimeContext, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		logger.InitFallback()

		settings, err := config.Load()
		if err != nil {
			return cerr.Wrap(err, "load configuration")
		}
		if err := logger.Initialize(settings.LogLevel, settings.LogPath); err != nil {
			return cerr.Wrap(err, "initialize logger")
		}
		if err := telemetry.Init("hermes", settings.TelemetryEnabled); err != nil {
			logger.L().Warn("Telemetry initialization failed", zap.Error(err))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		defer func() {
			if r := recover(); r != nil {
				err = cerr.AssertionFailedf("panic in %s: %v", cmd.Name(), r)
				logger.L().Error("Panic recovered",
					zap.String("command", cmd.Name()),
					zap.Any("panic", r))
			}
		}()

		rc := &RuntimeContext{Ctx: ctx, Log: logger.L(), Settings: settings}
		err = fn(rc, cmd, args)
		if err != nil && !IsUserError(err) {
			err = cerr.WithStack(err)
		}
		return err
	}
}

// IsUserError reports whether err is the operator's fault rather than the
// engine's: a malformed request, or a name that matches nothing.
func IsUserError(err error) bool {
	var verr *orchestrator.ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, secrets.ErrSecretNotFound)
}

// ExitCode maps a command error to the process exit code: 0 success, 1
// engine failure, 2 operator error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsUserError(err):
		return 2
	default:
		return 1
	}
}
