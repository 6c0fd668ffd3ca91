/* pkg/logger/logger.go */

package logger

import (
	"os"
	"path/filepath"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log *zap.Logger

// Initialize builds the process-wide logger and installs it as both the zap
// and otelzap global so components can log with otelzap.Ctx(ctx).
func Initialize(level, logPath string) error {
	cfg := defaultConfig(level, logPath)

	for _, path := range cfg.OutputPaths {
		if path != "stdout" && path != "stderr" {
			if err := ensureLogPermissions(path); err != nil {
				// Fall back to console-only output rather than refusing to start.
				cfg.OutputPaths = []string{"stdout"}
				break
			}
		}
	}

	built, err := cfg.Build()
	if err != nil {
		cfg.OutputPaths = []string{"stdout"}
		built, err = cfg.Build()
		if err != nil {
			return err
		}
	}

	log = built
	zap.ReplaceGlobals(log)
	otelzap.ReplaceGlobals(otelzap.New(log))

	log.Info("Logger initialized",
		zap.String("log_level", cfg.Level.String()),
		zap.Strings("outputs", cfg.OutputPaths))
	return nil
}

func defaultConfig(level, logPath string) zap.Config {
	outputs := []string{"stdout"}
	if logPath != "" {
		outputs = append(outputs, logPath)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLogLevel(level)),
		Development:      os.Getenv("ENV") == "development",
		Encoding:         "json",
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderCfg,
	}
}

// ParseLogLevel maps a level name to a zapcore level, defaulting to Info.
func ParseLogLevel(level string) zapcore.Level {
	switch level {
	case "TRACE", "DEBUG", "trace", "debug":
		return zapcore.DebugLevel
	case "WARN", "warn":
		return zapcore.WarnLevel
	case "ERROR", "error":
		return zapcore.ErrorLevel
	case "FATAL", "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func ensureLogPermissions(logFilePath string) error {
	dir := filepath.Dir(logFilePath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if _, err := os.Stat(logFilePath); os.IsNotExist(err) {
		file, err := os.Create(logFilePath)
		if err != nil {
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return os.Chmod(logFilePath, 0600)
}

// L returns the global logger, initializing a console fallback if needed.
func L() *zap.Logger {
	if log == nil {
		InitFallback()
	}
	return log
}

// Sync flushes any buffered log entries. Called before the process exits.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
