package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"meshqueue/internal/artifacts"
	"meshqueue/internal/jobs"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    pipeline JSONB NOT NULL,
    input_ref TEXT NOT NULL,
    input_name TEXT NOT NULL,
    state TEXT NOT NULL,
    current_stage_index INTEGER NOT NULL DEFAULT 0,
    stage_attempts INTEGER NOT NULL DEFAULT 0,
    artifact_refs JSONB NOT NULL DEFAULT '[]',
    warnings JSONB NOT NULL DEFAULT '[]',
    error JSONB,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_heartbeat TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state);
`

const postgresColumns = `id, pipeline, input_ref, input_name, state, current_stage_index, stage_attempts,
        artifact_refs, warnings, error, cancel_requested, version, created_at, updated_at, last_heartbeat`

// Postgres keeps job records in a shared PostgreSQL database so front doors
// and workers on different hosts see one registry.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ jobs.Store = (*Postgres)(nil)

// NewPostgres connects to dsn and ensures the jobs table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func scanPostgresJob(row pgx.Row) (*jobs.Job, error) {
	var (
		job       jobs.Job
		fields    rowFields
		inputRef  string
		state     string
		heartbeat *time.Time
	)
	if err := row.Scan(
		&job.ID, &fields.pipeline, &inputRef, &job.InputName, &state,
		&job.CurrentStageIndex, &job.StageAttempts, &fields.refs, &fields.warnings, &fields.errorJSON,
		&job.CancelRequested, &job.Version, &job.CreatedAt, &job.UpdatedAt, &heartbeat,
	); err != nil {
		return nil, err
	}
	if err := decodeRow(&job, fields); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.InputRef = artifacts.Ref(inputRef)
	job.State = jobs.State(state)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if heartbeat != nil {
		job.LastHeartbeat = heartbeat.UTC()
	}
	return &job, nil
}

func (s *Postgres) Create(ctx context.Context, job *jobs.Job) error {
	fields, err := encodeRow(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, pipeline, input_ref, input_name, state, current_stage_index, stage_attempts,
			artifact_refs, warnings, error, cancel_requested, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1,$12,$13)
	`, job.ID, fields.pipeline, string(job.InputRef), job.InputName, string(job.State),
		job.CurrentStageIndex, job.StageAttempts, fields.refs, fields.warnings, fields.errorJSON,
		job.CancelRequested, job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Version = 1
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := scanPostgresJob(s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Postgres) Save(ctx context.Context, job *jobs.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := scanPostgresJob(tx.QueryRow(ctx, `SELECT `+postgresColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, job.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("save job: %w: %s", jobs.ErrNotFound, job.ID)
	}
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if err := jobs.CheckSave(stored, job); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	next := job.Clone()
	jobs.Prepare(stored, next)
	fields, err := encodeRow(next)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET state=$1, current_stage_index=$2, stage_attempts=$3, artifact_refs=$4,
			warnings=$5, error=$6, cancel_requested=$7, version=$8, updated_at=$9
		WHERE id=$10 AND version=$11
	`, string(next.State), next.CurrentStageIndex, next.StageAttempts, fields.refs,
		fields.warnings, fields.errorJSON, next.CancelRequested, next.Version, next.UpdatedAt.UTC(),
		next.ID, stored.Version)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save job: %w: %s", jobs.ErrConflict, job.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	*job = *next
	return nil
}

func (s *Postgres) List(ctx context.Context, states ...jobs.State) ([]*jobs.Job, error) {
	query := `SELECT ` + postgresColumns + ` FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			args = append(args, string(state))
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) Stats(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	out := emptyStats()
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out[jobs.State(state)] = count
	}
	return out, rows.Err()
}

func (s *Postgres) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET last_heartbeat=$1 WHERE id=$2 AND state NOT IN ($3,$4,$5)`,
		append([]any{at.UTC(), id}, terminalStates()...)...)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

func (s *Postgres) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested=TRUE, updated_at=$1 WHERE id=$2 AND state NOT IN ($3,$4,$5)`,
		append([]any{time.Now().UTC(), id}, terminalStates()...)...)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s", jobs.ErrTerminal, id)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
