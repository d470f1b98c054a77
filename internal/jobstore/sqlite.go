package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"meshqueue/internal/artifacts"
	"meshqueue/internal/database"
	"meshqueue/internal/jobs"
)

const sqliteColumns = `id, pipeline, input_ref, input_name, state, current_stage_index, stage_attempts,
        artifact_refs, warnings, error, cancel_requested, version, created_at, updated_at, last_heartbeat`

// SQLite keeps job records in the local state database.
type SQLite struct {
	db *database.DB
}

var _ jobs.Store = (*SQLite)(nil)

// NewSQLite wraps an open database. The store closes db on Close.
func NewSQLite(db *database.DB) *SQLite {
	return &SQLite{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*jobs.Job, error) {
	var (
		job       jobs.Job
		fields    rowFields
		inputRef  string
		state     string
		cancel    int
		created   string
		updated   string
		heartbeat sql.NullString
		errorJSON sql.NullString
	)
	if err := row.Scan(
		&job.ID, &fields.pipeline, &inputRef, &job.InputName, &state,
		&job.CurrentStageIndex, &job.StageAttempts, &fields.refs, &fields.warnings, &errorJSON,
		&cancel, &job.Version, &created, &updated, &heartbeat,
	); err != nil {
		return nil, err
	}
	if errorJSON.Valid {
		fields.errorJSON = &errorJSON.String
	}
	if err := decodeRow(&job, fields); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.InputRef = artifacts.Ref(inputRef)
	job.State = jobs.State(state)
	job.CancelRequested = cancel != 0
	var err error
	if job.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("job %s created_at: %w", job.ID, err)
	}
	if job.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("job %s updated_at: %w", job.ID, err)
	}
	if job.LastHeartbeat, err = parseTime(heartbeat.String); err != nil {
		return nil, fmt.Errorf("job %s last_heartbeat: %w", job.ID, err)
	}
	return &job, nil
}

func (s *SQLite) Create(ctx context.Context, job *jobs.Job) error {
	fields, err := encodeRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO jobs (id, pipeline, input_ref, input_name, state, current_stage_index, stage_attempts,
            artifact_refs, warnings, error, cancel_requested, version, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		job.ID, fields.pipeline, string(job.InputRef), job.InputName, string(job.State),
		job.CurrentStageIndex, job.StageAttempts, fields.refs, fields.warnings, fields.errorJSON,
		boolInt(job.CancelRequested), formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Version = 1
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLite) Save(ctx context.Context, job *jobs.Job) error {
	var saved *jobs.Job
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		stored, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, job.ID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", jobs.ErrNotFound, job.ID)
		}
		if err != nil {
			return err
		}
		if err := jobs.CheckSave(stored, job); err != nil {
			return err
		}
		next := job.Clone()
		jobs.Prepare(stored, next)
		fields, err := encodeRow(next)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, current_stage_index = ?, stage_attempts = ?, artifact_refs = ?,
                warnings = ?, error = ?, cancel_requested = ?, version = ?, updated_at = ?
             WHERE id = ? AND version = ?`,
			string(next.State), next.CurrentStageIndex, next.StageAttempts, fields.refs,
			fields.warnings, fields.errorJSON, boolInt(next.CancelRequested), next.Version, formatTime(next.UpdatedAt),
			next.ID, stored.Version,
		)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: job %s", jobs.ErrConflict, job.ID)
		}
		saved = next
		return nil
	})
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	*job = *saved
	return nil
}

func (s *SQLite) List(ctx context.Context, states ...jobs.State) ([]*jobs.Job, error) {
	query := `SELECT ` + sqliteColumns + ` FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, string(state))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
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

func (s *SQLite) Touch(ctx context.Context, id string, at time.Time) error {
	args := append([]any{formatTime(at), id}, terminalStates()...)
	if _, err := s.db.Exec(ctx,
		`UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND state NOT IN (?, ?, ?)`, args...,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

func (s *SQLite) RequestCancel(ctx context.Context, id string) error {
	args := append([]any{formatTime(time.Now()), id}, terminalStates()...)
	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ? AND state NOT IN (?, ?, ?)`, args...,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s", jobs.ErrTerminal, id)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
