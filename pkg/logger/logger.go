// Package logger configures the process-wide slog logger. Every record
// carries the service and environment attributes, so aggregated logs
// from the api and worker binaries stay attributable.
package logger

import (
	"io"
	"log/slog"
	"os"
)

const serviceName = "warden"

// Setup builds the logger for env, sets it as the slog default and
// returns it. Production gets JSON at info level; everything else gets
// text at debug level.
func Setup(env string) *slog.Logger {
	logger := New(env, os.Stdout)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w without touching the global default.
func New(env string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With("service", serviceName, "env", env)
}
