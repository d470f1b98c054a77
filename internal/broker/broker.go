package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshqueue/internal/config"
	"meshqueue/internal/database"
)

var (
	// ErrLeaseLost is returned when a delivery's lease expired and the
	// message was handed to someone else.
	ErrLeaseLost = errors.New("delivery lease lost")
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
)

// Delivery is one hand-off of a job id to a worker slot. Attempt counts
// deliveries of this job id, starting at 1.
type Delivery struct {
	JobID   string
	Token   string
	Attempt int

	tag uint64
	// gen is the AMQP channel generation tag belongs to.
	gen uint64
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}

// Broker carries job ids from the front door to workers with at-least-once
// delivery. A delivery is held until Ack, Nack or DeadLetter; brokers with
// time-based leases redeliver it when Extend stops arriving.
type Broker interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue blocks until a job id is available or ctx ends.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the job available again; its next delivery has Attempt+1.
	Nack(ctx context.Context, d *Delivery) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	// Extend renews the delivery lease.
	Extend(ctx context.Context, d *Delivery) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Options are the broker settings shared by every backend.
type Options struct {
	Queue        string
	Visibility   time.Duration
	PollInterval time.Duration
	Prefetch     int
}

// OptionsFromConfig maps [broker] and [workers] onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	prefetch := cfg.Workers.Concurrency
	if prefetch <= 0 {
		prefetch = 1
	}
	return Options{
		Queue:        cfg.Broker.Queue,
		Visibility:   time.Duration(cfg.Broker.VisibilityTimeout) * time.Second,
		PollInterval: time.Duration(cfg.Broker.PollIntervalMS) * time.Millisecond,
		Prefetch:     prefetch,
	}
}

// Open builds the broker selected by [broker].
func Open(ctx context.Context, cfg *config.Config) (Broker, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Broker.Backend {
	case config.BrokerSQLite:
		db, err := database.Open(ctx, cfg.DatabasePath())
		if err != nil {
			return nil, err
		}
		return NewSQLite(db, opts), nil
	case config.BrokerRedis:
		return NewRedis(ctx, cfg.Broker.URL, opts)
	case config.BrokerAMQP:
		return NewAMQP(cfg.Broker.URL, opts)
	default:
		return nil, fmt.Errorf("unsupported broker backend %q", cfg.Broker.Backend)
	}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o Options) withDefaults() Options {
	if o.Queue == "" {
		o.Queue = "meshqueue.jobs"
	}
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	return o
}
