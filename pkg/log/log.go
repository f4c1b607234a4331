// Package log owns the process-wide structured logger. Subsystems receive a
// component-tagged child from the composition root instead of constructing
// their own handlers.
package log

import (
	"log/slog"
	"os"
)

var level slog.LevelVar

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

// SetDebug toggles debug-level output for the whole process.
func SetDebug(enabled bool) {
	if enabled {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// WithComponent returns the root logger tagged with the owning component.
func WithComponent(name string) *slog.Logger {
	return root.With(slog.String("component", name))
}

func Debug(msg string, args ...any) { root.Debug(msg, args...) }
func Info(msg string, args ...any)  { root.Info(msg, args...) }
func Warn(msg string, args ...any)  { root.Warn(msg, args...) }
func Error(msg string, args ...any) { root.Error(msg, args...) }
