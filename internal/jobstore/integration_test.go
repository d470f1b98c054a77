//go:build integration

package jobstore_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"meshqueue/internal/jobs"
	"meshqueue/internal/jobstore"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("MESHQUEUE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MESHQUEUE_TEST_REDIS_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) jobs.Store {
		store, err := jobstore.NewRedis(context.Background(), url, "meshqueue-test-"+uuid.NewString())
		if err != nil {
			t.Fatalf("NewRedis failed: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MESHQUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MESHQUEUE_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) jobs.Store {
		store, err := jobstore.NewPostgres(context.Background(), dsn)
		if err != nil {
			t.Fatalf("NewPostgres failed: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
