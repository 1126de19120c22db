package testutil

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nhle/gh-notifier/internal/store"
)

// Logger returns a logrus logger that discards all output, so tests
// stay quiet while exercising log-and-continue paths.
func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:", Logger())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
