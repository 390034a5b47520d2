package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	parsed, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)

	return cfg.Build()
}
