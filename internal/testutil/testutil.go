// Package testutil provides shared test infrastructure.
package testutil

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Collect drains up to n values from ch, failing the test if they do not
// arrive within the deadline.
func Collect[T any](t *testing.T, ch <-chan T, n int, deadline time.Duration) []T {
	t.Helper()
	out := make([]T, 0, n)
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for len(out) < n {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d of %d values", len(out), n)
			}
			out = append(out, v)
		case <-timer.C:
			t.Fatalf("timed out after %d of %d values", len(out), n)
		}
	}
	return out
}
