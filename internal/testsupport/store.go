package testsupport

import (
	"context"
	"testing"

	"meshqueue/internal/artifacts"
	"meshqueue/internal/broker"
	"meshqueue/internal/config"
	"meshqueue/internal/jobs"
	"meshqueue/internal/jobstore"
)

// MustOpenStore opens the configured job store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) jobs.Store {
	t.Helper()

	store, err := jobstore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenBroker opens the configured broker for tests and registers cleanup.
func MustOpenBroker(t testing.TB, cfg *config.Config) broker.Broker {
	t.Helper()

	b, err := broker.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open broker: %v", err)
	}
	t.Cleanup(func() {
		_ = b.Close()
	})
	return b
}

// MustOpenArtifacts opens the configured artifact store.
func MustOpenArtifacts(t testing.TB, cfg *config.Config) artifacts.Store {
	t.Helper()

	store, err := artifacts.Open(context.Background(), cfg.ArtifactOptions())
	if err != nil {
		t.Fatalf("open artifact store: %v", err)
	}
	return store
}
