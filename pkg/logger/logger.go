// Package logger provides the shared slog constructor used across the app.
package logger

import (
	"log/slog"
	"os"
)

// New returns a text-handler logger writing to stderr. Debug enables
// debug-level output.
func New(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
