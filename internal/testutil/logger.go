package testutil

import (
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// NewTestLogger creates a logger that discards output.
func NewTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// NewTestLoggerWithOutput creates a debug-level logger writing each event
// to t.Log, so the output only shows for failing or verbose tests.
func NewTestLoggerWithOutput(t testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: &testLogWriter{t: t}, NoColor: true}).
		Level(zerolog.DebugLevel)
}

type testLogWriter struct {
	t testing.TB
}

func (w *testLogWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
