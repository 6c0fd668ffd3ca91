/* pkg/logger/fallback.go */

package logger

import (
	"os"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewFallbackLogger returns a console-only logger for use before Initialize
// has run, or when no writable log path exists.
func NewFallbackLogger() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stdout),
		ParseLogLevel(os.Getenv("LOG_LEVEL")),
	)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// InitFallback installs the console fallback as the global logger.
func InitFallback() {
	fallback := NewFallbackLogger()
	log = fallback
	zap.ReplaceGlobals(fallback)
	otelzap.ReplaceGlobals(otelzap.New(fallback))
}
