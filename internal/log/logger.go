package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// newHandler builds a slog handler for the given level and format.
// Unknown levels fall back to INFO, unknown formats to JSON.
func newHandler(level, format string, w io.Writer) slog.Handler {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Setup initializes the global logger. The first call wins; later calls
// are no-ops.
func Setup(level, format string) {
	once.Do(func() {
		logger = slog.New(newHandler(level, format, os.Stdout))
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, or a default one if Setup hasn't
// been called yet.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithModule returns a logger with the module field set.
func WithModule(name string) *slog.Logger {
	return Get().With(slog.String("module", name))
}

// WithCall returns a logger with the call_id field set.
func WithCall(id string) *slog.Logger {
	return Get().With(slog.String("call_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
