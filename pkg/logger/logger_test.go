package logger

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogger_ReplaceAttr(t *testing.T) {
	t.Parallel()

	ts := slog.Time(slog.TimeKey, time.Date(2026, 1, 15, 12, 0, 0, 500_000_000, time.FixedZone("UTC+2", 2*3600)))
	out := replaceAttr(nil, ts)
	require.Equal(t, "2026-01-15T10:00:00.500Z", out.Value.String())

	require.True(t, replaceAttr(nil, slog.String("empty", "")).Equal(slog.Attr{}))

	kept := slog.String("dataset", "spending")
	require.True(t, replaceAttr(nil, kept).Equal(kept))
}

func TestLogger_New(t *testing.T) {
	t.Parallel()

	require.True(t, New(true).Enabled(t.Context(), slog.LevelDebug))
	require.False(t, New(false).Enabled(t.Context(), slog.LevelDebug))
	require.True(t, New(false).Enabled(t.Context(), slog.LevelInfo))
}
