package util

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
)

// InitLogger configures the global slog logger with JSON output and the
// given level. Accepts debug, info, warn, error; defaults to info on
// unknown input. The storefront component name is attached to every
// record so log lines from embedding hosts stay attributable.
func InitLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel,
	})
	logger := slog.New(handler).With("component", "storefront")
	slog.SetDefault(logger)
	return logger
}

// NewInstanceID tags one running client instance. Several instances can
// share a store (the cross-tab case), so every log record carries the
// tag to keep their interleaved lines attributable.
func NewInstanceID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "client-" + hex.EncodeToString(b)
}
