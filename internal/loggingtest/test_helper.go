package loggingtest

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/replicate/director/internal/logging"
)

// NewTestLogger creates a logger for tests that writes through t.Logf, so log
// output is attached to the failing test rather than interleaved on stderr.
func NewTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return &logging.Logger{Logger: zaptest.NewLogger(t)}
}
