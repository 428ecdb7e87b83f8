// Package logger builds the process logger. Terminal sessions get tinted
// human-readable output; everything else gets line-delimited JSON.
package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

func New(level slog.Level, json bool) *slog.Logger {
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
