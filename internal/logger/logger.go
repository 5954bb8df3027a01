// Package logger builds the zap loggers used by the kbrag commands. Library
// packages take a *zap.Logger and never reach for a global.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger at level ("debug", "info", "warn", "error"; empty
// means info). dev selects the console encoder with colored levels instead of
// JSON. Output goes to stderr so stdout stays free for command output and the
// MCP stdio transport.
func New(level string, dev bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if dev {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	lvl := zapcore.InfoLevel
	if s := strings.TrimSpace(level); s != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	return config.Build()
}

// FromEnv builds a logger from LOG_LEVEL and KBRAG_ENV=development. An
// invalid level falls back to info.
func FromEnv() *zap.Logger {
	dev := strings.EqualFold(os.Getenv("KBRAG_ENV"), "development")
	l, err := New(os.Getenv("LOG_LEVEL"), dev)
	if err != nil {
		l, err = New("", dev)
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}
