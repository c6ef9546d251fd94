// Package logging configures the process-wide structured logger. The daemon
// sinks to a rotated file under .chorus/ and mirrors to stderr when run in
// the foreground; CLI commands log to stderr only. Tokens are never logged
// by any caller; this package only wires levels and sinks.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a config/env level string to a slog.Level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text-handler logger writing to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewRotating returns a logger writing to a size-rotated file. When
// foreground is true, output is mirrored to stderr as well. The returned
// closer flushes and closes the file sink.
func NewRotating(path string, maxSizeMB, maxBackups int, level slog.Level, foreground bool) (*slog.Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	var w io.Writer = rotator
	if foreground {
		w = io.MultiWriter(rotator, os.Stderr)
	}
	return New(w, level), rotator
}

// Discard returns a logger that drops everything. Used by tests and by
// commands run with --quiet; also selected when CHORUS_QUIET_TESTS is set.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ForTests returns a logger for test binaries: discard when
// CHORUS_QUIET_TESTS is set, stderr at debug otherwise.
func ForTests() *slog.Logger {
	if os.Getenv("CHORUS_QUIET_TESTS") != "" {
		return Discard()
	}
	return New(os.Stderr, slog.LevelDebug)
}
