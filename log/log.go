// Package log provides the structured logger shared by every component of
// graphqlcore, mirroring the zap-based logger used across the host
// application: JSON output by default, a readable console encoder in
// development mode, and a safe no-op default for callers that never
// configure one.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the shared logger's verbosity and output format.
type Config struct {
	// Level is the minimum level emitted: "debug", "info", "warn", "error".
	Level string
	// Development enables console output instead of JSON.
	Development bool
}

// DefaultConfig returns the production-shaped default: info level, JSON.
func DefaultConfig() Config {
	return Config{Level: "info", Development: false}
}

// New builds a *zap.Logger per cfg. A zero-value Config yields the default.
func New(cfg Config) *zap.Logger {
	if cfg.Level == "" {
		cfg = DefaultConfig()
	}

	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), level)
	return zap.New(core)
}

// NopIfNil returns l unchanged, or a no-op logger if l is nil, so internal
// components never need a nil check before logging.
func NopIfNil(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
