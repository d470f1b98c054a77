package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshqueue/internal/broker"
)

const testVisibility = 150 * time.Millisecond

func dequeueWithin(t *testing.T, b broker.Broker, timeout time.Duration) *broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return d
}

// runLeaseSuite covers the lease-based backends.
func runLeaseSuite(t *testing.T, open func(t *testing.T) broker.Broker) {
	t.Run("ack consumes", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		if err := b.Enqueue(ctx, "job-a"); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		d := dequeueWithin(t, b, time.Second)
		if d.JobID != "job-a" || d.Attempt != 1 || d.Token == "" {
			t.Fatalf("unexpected delivery: %+v", d)
		}
		if err := b.Ack(ctx, d); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
		if err := b.Ack(ctx, d); !errors.Is(err, broker.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost on double ack, got %v", err)
		}
		stats, err := b.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats != (broker.Stats{}) {
			t.Fatalf("expected empty queue, got %+v", stats)
		}
	})

	t.Run("nack redelivers with next attempt", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		_ = b.Enqueue(ctx, "job-b")
		first := dequeueWithin(t, b, time.Second)
		if err := b.Nack(ctx, first); err != nil {
			t.Fatalf("Nack failed: %v", err)
		}
		second := dequeueWithin(t, b, time.Second)
		if second.JobID != "job-b" || second.Attempt != 2 {
			t.Fatalf("unexpected redelivery: %+v", second)
		}
		if second.Token == first.Token {
			t.Fatal("expected a fresh token per delivery")
		}
		_ = b.Ack(ctx, second)
	})

	t.Run("expired lease is reclaimed", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		_ = b.Enqueue(ctx, "job-c")
		first := dequeueWithin(t, b, time.Second)
		time.Sleep(testVisibility + 50*time.Millisecond)
		second := dequeueWithin(t, b, time.Second)
		if second.JobID != "job-c" || second.Attempt != 2 {
			t.Fatalf("unexpected reclaimed delivery: %+v", second)
		}
		if err := b.Ack(ctx, first); !errors.Is(err, broker.ErrLeaseLost) {
			t.Fatalf("expected stale holder to lose its lease, got %v", err)
		}
		if err := b.Ack(ctx, second); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	})

	t.Run("extend keeps the lease", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		_ = b.Enqueue(ctx, "job-d")
		d := dequeueWithin(t, b, time.Second)
		for i := 0; i < 4; i++ {
			time.Sleep(testVisibility / 2)
			if err := b.Extend(ctx, d); err != nil {
				t.Fatalf("Extend failed: %v", err)
			}
		}
		short, cancel := context.WithTimeout(ctx, testVisibility/3)
		defer cancel()
		if got, err := b.Dequeue(short); err == nil {
			t.Fatalf("expected no delivery while lease is held, got %+v", got)
		}
		if err := b.Ack(ctx, d); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	})

	t.Run("dead letter leaves the ready path", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		_ = b.Enqueue(ctx, "job-e")
		d := dequeueWithin(t, b, time.Second)
		if err := b.DeadLetter(ctx, d, "delivery_exhausted"); err != nil {
			t.Fatalf("DeadLetter failed: %v", err)
		}
		stats, err := b.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.Dead != 1 || stats.Ready != 0 || stats.Leased != 0 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})

	t.Run("dequeue honours context", func(t *testing.T) {
		b := open(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if _, err := b.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("each job is delivered to one slot", func(t *testing.T) {
		b := open(t)
		ctx := context.Background()
		const jobsCount = 12
		for i := 0; i < jobsCount; i++ {
			_ = b.Enqueue(ctx, "job-"+string(rune('A'+i)))
		}
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
					d, err := b.Dequeue(short)
					cancel()
					if err != nil {
						return
					}
					mu.Lock()
					seen[d.JobID]++
					mu.Unlock()
					_ = b.Ack(ctx, d)
				}
			}()
		}
		wg.Wait()
		if len(seen) != jobsCount {
			t.Fatalf("expected %d distinct jobs, got %d", jobsCount, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("job %s delivered %d times", id, n)
			}
		}
	})
}
