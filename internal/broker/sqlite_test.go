package broker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"meshqueue/internal/broker"
	"meshqueue/internal/database"
)

func TestSQLiteBroker(t *testing.T) {
	runLeaseSuite(t, func(t *testing.T) broker.Broker {
		db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "meshqueue.db"))
		if err != nil {
			t.Fatalf("database.Open failed: %v", err)
		}
		b := broker.NewSQLite(db, broker.Options{
			Queue:        "test.jobs",
			Visibility:   testVisibility,
			PollInterval: 10 * time.Millisecond,
		})
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}

func TestSQLiteBrokerQueuesAreIsolated(t *testing.T) {
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "meshqueue.db"))
	if err != nil {
		t.Fatalf("database.Open failed: %v", err)
	}
	defer db.Close()
	a := broker.NewSQLite(db, broker.Options{Queue: "a", PollInterval: 10 * time.Millisecond})
	b := broker.NewSQLite(db, broker.Options{Queue: "b", PollInterval: 10 * time.Millisecond})
	if err := a.Enqueue(context.Background(), "only-a"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if d, err := b.Dequeue(ctx); err == nil {
		t.Fatalf("queue b received %+v", d)
	}
}
