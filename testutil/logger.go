// Package testutil provides helpers shared by package tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"
)

// Logger returns a debug-level logger that writes to t.Log, so all
// activity appears in CI output next to the failing assertion.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&logWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// logWriter adapts testing.TB to io.Writer for slog.
type logWriter struct {
	t testing.TB
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// QuietLogger discards everything. Use it for components whose goroutines
// may outlive the test function and would otherwise log after completion.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
