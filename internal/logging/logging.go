// Package logging builds the zap loggers used across the memory core.
// Components take a *zap.Logger and derive named children ("store",
// "embedding", "consolidate", ...) so log lines carry their origin.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"contextmem/internal/config"
)

// New constructs the root logger from config. Console encoding by default;
// JSON when cfg.JSON is set.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	if !cfg.JSON {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Nop returns a logger that discards everything. Used in tests and wherever
// a component accepts an optional logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
