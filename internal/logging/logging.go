// Package logging centralizes the structured logger every ManifestHub
// package logs through: one adapter for the whole process, built once at
// startup and threaded down through every subsystem.
package logging

import (
	"log/slog"
	"os"
)

// New builds the process-wide structured logger. JSON output is the
// default; text output is offered for local/interactive runs via
// --log-format.
func New(format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// WithRunID returns a logger that attaches runID to every subsequent
// record, the correlation id threaded through a single orchestrator run
// (see internal/orchestrator).
func WithRunID(l *slog.Logger, runID string) *slog.Logger {
	return l.With(slog.String("run_id", runID))
}
