package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New returns the engine's process logger: tint-colored output with UTC
// millisecond timestamps and empty attributes elided. Debug level when
// verbose.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With("app", "cube")
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}
