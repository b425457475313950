package testsupport

import (
	"context"
	"testing"

	"verity/internal/config"
	"verity/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates a pending job for tests using the provided store.
func NewJob(t testing.TB, store *queue.Store, sourcePath string, frameCount int) *queue.Job {
	t.Helper()

	job, err := store.NewVideo(context.Background(), sourcePath, frameCount)
	if err != nil {
		t.Fatalf("store.NewVideo: %v", err)
	}
	return job
}
