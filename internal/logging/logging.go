package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger used across the module.
type Logger = zap.SugaredLogger

// New builds a production JSON logger at the given level. An empty level
// falls back to LOG_LEVEL, then info.
func New(level string) *Logger {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// Nop is used by tests and by components constructed without a logger.
func Nop() *Logger { return zap.NewNop().Sugar() }

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
