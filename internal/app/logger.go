package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown LOG_LEVEL %q", s)
}

// NewLogger returns the process logger. Every record carries the process name
// and environment so ledgerd and worker output can share one sink.
func NewLogger(cfg *Config, process string) *slog.Logger {
	return newLogger(os.Stdout, cfg, process)
}

func newLogger(w io.Writer, cfg *Config, process string) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var format, env string
	if cfg != nil {
		format, env = cfg.LogFormat, cfg.AppEnv
		opts.Level, _ = ParseLevel(cfg.LogLevel)
	}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	if process != "" {
		logger = logger.With(slog.String("process", process))
	}
	if env != "" {
		logger = logger.With(slog.String("env", env))
	}
	return logger
}
