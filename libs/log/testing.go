package log

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestingLogger returns a Logger which routes output through the test's
// logging facility, so output is only shown for failing tests or when the
// verbose (-v) flag is set.
//
// Note that the call to TestingLogger must be made inside a test (not in the
// init func).
func TestingLogger(t testing.TB) Logger {
	t.Helper()

	return defaultLogger{
		Logger: zerolog.New(testWriter{t}).Level(zerolog.DebugLevel),
	}
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
