// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects how the logger is built. The zero value is a
// production console logger at info level writing to stderr.
type Config struct {
	// Level is a zap level name ("debug", "info", "warn", "error").
	// Empty keeps the base default: info in production, debug in
	// development.
	Level string
	// Development builds on zap's development config.
	Development bool
	// OutputPaths replaces the stderr sink when non-empty. The
	// desktop points this at its log file.
	OutputPaths []string
}

// New builds a console-encoded logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	base := zap.NewProductionConfig()
	if cfg.Development {
		base = zap.NewDevelopmentConfig()
	}
	base.Encoding = "console"
	base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		base.Level = zap.NewAtomicLevelAt(level)
	}
	if len(cfg.OutputPaths) > 0 {
		base.OutputPaths = cfg.OutputPaths
	}
	base.ErrorOutputPaths = []string{"stderr"}
	return base.Build()
}
