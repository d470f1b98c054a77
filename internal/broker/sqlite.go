package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"meshqueue/internal/database"
)

// SQLite is a lease-based queue in the local state database. A claim is one
// UPDATE ... RETURNING over the oldest ready or lease-expired row, so
// concurrent slots (and daemons sharing the file) never claim the same row.
type SQLite struct {
	db   *database.DB
	opts Options
}

var _ Broker = (*SQLite)(nil)

// NewSQLite wraps an open database. The broker closes db on Close.
func NewSQLite(db *database.DB, opts Options) *SQLite {
	return &SQLite{db: db, opts: opts.withDefaults()}
}

func (b *SQLite) Enqueue(ctx context.Context, jobID string) error {
	if _, err := b.db.Exec(ctx,
		`INSERT INTO deliveries (queue, job_id, enqueued_at) VALUES (?, ?, ?)`,
		b.opts.Queue, jobID, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

func (b *SQLite) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := b.claim(ctx)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		if err := sleep(ctx, b.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (b *SQLite) claim(ctx context.Context) (*Delivery, error) {
	now := time.Now()
	token := uuid.NewString()
	var d *Delivery
	err := database.RetryOnBusy(ctx, func() error {
		row := b.db.QueryRowContext(ctx,
			`UPDATE deliveries
             SET token = ?, lease_until = ?, attempt = attempt + 1
             WHERE id = (
                 SELECT id FROM deliveries
                 WHERE queue = ? AND dead = 0 AND lease_until <= ?
                 ORDER BY id LIMIT 1
             )
             RETURNING job_id, attempt`,
			token, now.Add(b.opts.Visibility).UnixMilli(), b.opts.Queue, now.UnixMilli(),
		)
		var (
			jobID   string
			attempt int
		)
		if err := row.Scan(&jobID, &attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				d = nil
				return nil
			}
			return err
		}
		d = &Delivery{JobID: jobID, Token: token, Attempt: attempt}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	return d, nil
}

func (b *SQLite) settle(ctx context.Context, op, query string, args ...any) error {
	res, err := b.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s delivery: %w", op, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%s delivery: %w", op, ErrLeaseLost)
	}
	return nil
}

func (b *SQLite) Ack(ctx context.Context, d *Delivery) error {
	return b.settle(ctx, "ack", `DELETE FROM deliveries WHERE token = ?`, d.Token)
}

func (b *SQLite) Nack(ctx context.Context, d *Delivery) error {
	return b.settle(ctx, "nack",
		`UPDATE deliveries SET token = NULL, lease_until = 0 WHERE token = ?`, d.Token)
}

func (b *SQLite) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	return b.settle(ctx, "dead-letter",
		`UPDATE deliveries SET token = NULL, lease_until = 0, dead = 1, dead_reason = ? WHERE token = ?`,
		reason, d.Token)
}

func (b *SQLite) Extend(ctx context.Context, d *Delivery) error {
	return b.settle(ctx, "extend",
		`UPDATE deliveries SET lease_until = ? WHERE token = ?`,
		time.Now().Add(b.opts.Visibility).UnixMilli(), d.Token)
}

func (b *SQLite) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := b.db.QueryRowContext(ctx,
		`SELECT
             COALESCE(SUM(CASE WHEN dead = 0 AND lease_until <= ? THEN 1 ELSE 0 END), 0),
             COALESCE(SUM(CASE WHEN dead = 0 AND lease_until > ? THEN 1 ELSE 0 END), 0),
             COALESCE(SUM(CASE WHEN dead = 1 THEN 1 ELSE 0 END), 0)
         FROM deliveries WHERE queue = ?`,
		time.Now().UnixMilli(), time.Now().UnixMilli(), b.opts.Queue,
	).Scan(&stats.Ready, &stats.Leased, &stats.Dead)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (b *SQLite) Close() error {
	return b.db.Close()
}
