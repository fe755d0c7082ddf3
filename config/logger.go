package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", level)
	}
}

// NewLogger builds the process logger on stderr
func (c *Config) NewLogger() *slog.Logger {
	return NewLogger(os.Stderr, c.LogLevel, c.LogFormat)
}

// NewLogger creates a structured logger writing to w. Unknown levels fall
// back to info.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl, _ := parseLevel(level)
	options := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, options)
	} else {
		handler = slog.NewTextHandler(w, options)
	}
	return slog.New(handler)
}
