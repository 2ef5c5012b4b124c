// Package logging builds the process logger from config.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger writing to stderr, or to a rotating file when file
// is set. format is "text" or "json". The returned closer flushes the file
// and is a no-op for stderr.
func New(level, format, file string) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if file != "" {
		rotating := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		w, closer = rotating, rotating
	}
	return slog.New(newHandler(w, level, format)), closer
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Component tags every record from base with the component name.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
