package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log is the global logger instance
var Log *slog.Logger

// level is the dynamic log level, changeable at runtime via SetLevel.
// slog.LevelVar is safe for concurrent use.
var level slog.LevelVar

// Init initializes the global logger with the specified level and the text format.
func Init(levelStr string) {
	InitWithFormat(levelStr, "text")
}

// InitWithFormat initializes the global logger writing to stdout.
// format is "json" or "text"; anything else falls back to text.
func InitWithFormat(levelStr, format string) {
	SetLevel(levelStr)
	Log = New(os.Stdout, format)
}

// New builds a logger sharing the global level. Used by Init and by tests
// that want to capture output.
func New(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: &level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLevel changes the log level at runtime. Valid values: debug, info, warn, error.
// Invalid values fall back to info.
func SetLevel(levelStr string) {
	var lvl slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	level.Set(lvl)
}

// With returns a logger carrying the given attributes, e.g. With("job_id", id).
// Before Init it returns a logger that discards everything.
func With(args ...any) *slog.Logger {
	if Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return Log.With(args...)
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	if Log != nil {
		Log.Debug(msg, args...)
	}
}

// Info logs an info message
func Info(msg string, args ...any) {
	if Log != nil {
		Log.Info(msg, args...)
	}
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	if Log != nil {
		Log.Warn(msg, args...)
	}
}

// Error logs an error message
func Error(msg string, args ...any) {
	if Log != nil {
		Log.Error(msg, args...)
	}
}
