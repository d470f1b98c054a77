package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Store persists job records. It is the result registry through which
// workers publish transitions back to the front door.
//
// Save is a compare-and-swap on Version: it fails with ErrConflict when the
// stored version differs from job.Version and with ErrTerminal when the stored
// record is already terminal. On success job.Version is bumped. Save never
// clears CancelRequested and never rewrites LastHeartbeat; those are owned by
// RequestCancel and Touch.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context, states ...State) ([]*Job, error)
	Stats(ctx context.Context) (map[State]int, error)
	// Touch refreshes LastHeartbeat without bumping Version.
	Touch(ctx context.Context, id string, at time.Time) error
	// RequestCancel raises CancelRequested on a non-terminal job without
	// bumping Version.
	RequestCancel(ctx context.Context, id string) error
	Close() error
}

// CheckSave validates next against the stored record before a backend
// persists it. It enforces the optimistic version, the read-only terminal
// record, the monotonic cursor and the append-only artifact list.
func CheckSave(stored, next *Job) error {
	if stored == nil {
		return ErrNotFound
	}
	if stored.State.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, stored.ID, stored.State)
	}
	if stored.Version != next.Version {
		return fmt.Errorf("%w: job %s stored version %d, have %d", ErrConflict, stored.ID, stored.Version, next.Version)
	}
	if stored.State != next.State && !CanTransition(stored.State, next.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stored.State, next.State)
	}
	if next.CurrentStageIndex < stored.CurrentStageIndex {
		return fmt.Errorf("%w: cursor moved back from %d to %d", ErrInvalidTransition, stored.CurrentStageIndex, next.CurrentStageIndex)
	}
	if len(next.ArtifactRefs) < len(stored.ArtifactRefs) ||
		!slices.Equal(next.ArtifactRefs[:len(stored.ArtifactRefs)], stored.ArtifactRefs) {
		return fmt.Errorf("%w: artifact refs are append-only", ErrInvalidTransition)
	}
	if stored.Error != nil && (next.Error == nil || *next.Error != *stored.Error) {
		return fmt.Errorf("%w: error cause is immutable", ErrInvalidTransition)
	}
	return nil
}

// Prepare stamps the fields a backend owns onto next after CheckSave passes.
func Prepare(stored, next *Job) {
	next.Version = stored.Version + 1
	next.CancelRequested = next.CancelRequested || stored.CancelRequested
	next.LastHeartbeat = stored.LastHeartbeat
	next.CreatedAt = stored.CreatedAt
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
}

// Cancel applies an external cancel. A PENDING job moves straight to
// CANCELLED; a RUNNING or STAGE_FAILED job gets CancelRequested and is
// cancelled by its executor between stages. The returned job reflects the
// stored record after the request.
func Cancel(ctx context.Context, store Store, id string, now time.Time) (*Job, error) {
	for attempt := 0; attempt < 5; attempt++ {
		job, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, fmt.Errorf("%w: job %s is %s", ErrTerminal, id, job.State)
		}
		if job.State == StatePending {
			if err := job.Cancel(now); err != nil {
				return nil, err
			}
			err := store.Save(ctx, job)
			if errors.Is(err, ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return job, nil
		}
		if err := store.RequestCancel(ctx, id); err != nil {
			if errors.Is(err, ErrTerminal) {
				continue
			}
			return nil, err
		}
		job.CancelRequested = true
		return job, nil
	}
	return nil, fmt.Errorf("%w: cancel of job %s kept racing the executor", ErrConflict, id)
}
