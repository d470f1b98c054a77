package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meshqueue/internal/broker"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
	"meshqueue/internal/services"
)

const deadLetterReason = string(services.KindDeliveryExhausted)

// exhaust marks the job FAILED with a delivery_exhausted cause and routes the
// delivery to the dead-letter path.
func (m *Manager) exhaust(ctx context.Context, logger *slog.Logger, d *broker.Delivery) {
	failed, err := m.failExhausted(ctx, d)
	if err != nil {
		m.setLastError(err)
		logging.ErrorWithContext(logger, "failed to mark exhausted job", "job_store_error",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the job store backend"),
		)
	}
	if failed != nil {
		m.notifyFinished(ctx, logger, d.JobID, failed)
	}
	if err := m.broker.DeadLetter(ctx, d, deadLetterReason); err != nil {
		m.settleFailed(logger, "dead_letter", err)
		return
	}
	m.metrics.DeadLettered(deadLetterReason)
	logging.ErrorWithContext(logger, "delivery dead-lettered", "delivery_dead_lettered",
		logging.String(logging.FieldErrorKind, deadLetterReason),
		logging.Int("max_deliveries", m.opts.MaxDeliveries),
		logging.String(logging.FieldErrorHint, "the job kept crashing or timing out its lease; inspect worker logs"),
	)
}

// failExhausted returns the job when this call marked it FAILED.
func (m *Manager) failExhausted(ctx context.Context, d *broker.Delivery) (*jobs.Job, error) {
	for range 3 {
		job, err := m.store.Get(ctx, d.JobID)
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return nil, nil
		}
		cause := jobs.Cause{
			Kind:    string(services.KindDeliveryExhausted),
			Stage:   job.CurrentStage(),
			Message: fmt.Sprintf("delivery attempt %d exceeded the budget of %d", d.Attempt, m.opts.MaxDeliveries),
			Attempt: job.StageAttempts,
		}
		if err := job.Fail(cause, time.Now()); err != nil {
			return nil, err
		}
		err = m.store.Save(ctx, job)
		if errors.Is(err, jobs.ErrConflict) {
			continue
		}
		if errors.Is(err, jobs.ErrTerminal) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		m.metrics.JobFinished(job.State)
		return job, nil
	}
	return nil, fmt.Errorf("%w: marking job %s exhausted", jobs.ErrConflict, d.JobID)
}
