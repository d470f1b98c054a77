package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meshqueue/internal/broker"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
	"meshqueue/internal/pipeline"
	"meshqueue/internal/services"
)

// dispatch acquires a free slot before dequeuing, so the pool never holds
// more deliveries than it can run. Saturated pools leave work on the broker.
func (m *Manager) dispatch(ctx context.Context) {
	defer m.wg.Done()
	for {
		var slot int
		select {
		case <-ctx.Done():
			return
		case slot = <-m.slots:
		}

		d, err := m.broker.Dequeue(ctx)
		if err != nil {
			m.slots <- slot
			if ctx.Err() != nil {
				return
			}
			m.handleDequeueError(ctx, err)
			continue
		}

		m.acquire(d.JobID)
		m.wg.Add(1)
		go m.runSlot(ctx, slot, d)
	}
}

func (m *Manager) handleDequeueError(ctx context.Context, err error) {
	m.setLastError(err)
	logging.ErrorWithContext(m.logger, "failed to dequeue job", "queue_fetch_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check broker connectivity"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(m.opts.ErrorRetryInterval):
	}
}

func (m *Manager) runSlot(ctx context.Context, slot int, d *broker.Delivery) {
	defer m.wg.Done()
	defer m.release(slot)

	ctx = services.WithSlot(services.WithJobID(ctx, d.JobID), slot)
	logger := logging.WithContext(ctx, m.logger).With(logging.Int("delivery_attempt", d.Attempt))

	if d.Attempt > m.opts.MaxDeliveries {
		m.exhaust(ctx, logger, d)
		return
	}

	execCtx, cancelExec := context.WithCancelCause(ctx)
	defer cancelExec(nil)
	hbCtx, stopHeartbeat := context.WithCancel(execCtx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat.Run(hbCtx, d, cancelExec)
	}()

	outcome := m.execute(execCtx, logger, d)
	stopHeartbeat()
	<-hbDone

	// The broker already handed the job to another slot; settling would
	// touch a delivery this slot no longer owns.
	if errors.Is(context.Cause(execCtx), broker.ErrLeaseLost) {
		logger.Warn("delivery abandoned after lease loss",
			logging.String(logging.FieldEventType, "delivery_abandoned"),
			logging.String("state", string(outcome.State)),
			logging.String(logging.FieldImpact, "the new lease holder settles the job"),
		)
		return
	}

	if outcome.Err != nil && outcome.Decision == pipeline.Nack {
		m.setLastError(outcome.Err)
	}
	m.settle(ctx, logger, d, outcome)
}

// execute shields the pool from a panicking executor.
func (m *Manager) execute(ctx context.Context, logger *slog.Logger, d *broker.Delivery) (outcome pipeline.Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logging.ErrorWithContext(logger, "executor panicked", "executor_panic",
				logging.Any("panic", recovered),
			)
			outcome = pipeline.Outcome{Decision: pipeline.Nack, Err: errors.New("executor panic")}
		}
	}()
	return m.executor.Execute(ctx, d.JobID)
}

func (m *Manager) settle(ctx context.Context, logger *slog.Logger, d *broker.Delivery, outcome pipeline.Outcome) {
	// Settle even when shutdown cancelled ctx, or the delivery would sit
	// leased until its visibility timeout.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.SettleTimeout)
	defer cancel()

	switch {
	case outcome.Decision == pipeline.Ack:
		if err := m.broker.Ack(settleCtx, d); err != nil {
			m.settleFailed(logger, "ack", err)
			return
		}
		logger.Debug("delivery acknowledged", logging.String("state", string(outcome.State)))
		if outcome.Finished {
			m.notifyFinished(settleCtx, logger, d.JobID, nil)
		}
	case d.Attempt >= m.opts.MaxDeliveries:
		m.exhaust(settleCtx, logger, d)
	default:
		if err := m.broker.Nack(settleCtx, d); err != nil {
			m.settleFailed(logger, "nack", err)
			return
		}
		logger.Info("delivery released for redelivery",
			logging.String(logging.FieldEventType, "delivery_nack"),
			logging.String("state", string(outcome.State)),
			logging.Error(outcome.Err),
		)
	}
}

// notifyFinished reports a terminal job. Notification failures are logged and
// never affect the job.
func (m *Manager) notifyFinished(ctx context.Context, logger *slog.Logger, jobID string, job *jobs.Job) {
	if m.opts.Notifier == nil {
		return
	}
	if job == nil {
		loaded, err := m.store.Get(ctx, jobID)
		if err != nil {
			logger.Warn("could not load finished job for notification",
				logging.Error(err),
				logging.String(logging.FieldImpact, "no notification sent"),
			)
			return
		}
		job = loaded
	}
	if err := m.opts.Notifier.NotifyJobFinished(ctx, job); err != nil {
		logger.Warn("job notification failed",
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}

func (m *Manager) settleFailed(logger *slog.Logger, action string, err error) {
	m.metrics.SettleFailed(action)
	if errors.Is(err, broker.ErrLeaseLost) {
		logger.Warn("delivery lease lost before settle; another slot owns the job",
			logging.String("action", action),
			logging.String(logging.FieldEventType, "delivery_lease_lost"),
			logging.String(logging.FieldErrorHint, "raise broker.visibility_timeout or lower workers.heartbeat_interval"),
			logging.String(logging.FieldImpact, "job continues under the new holder"),
		)
		return
	}
	m.setLastError(err)
	logging.ErrorWithContext(logger, "failed to settle delivery", "delivery_settle_failed",
		logging.String("action", action),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check broker connectivity; the delivery will be redelivered after its lease"),
	)
}

func (m *Manager) acquire(jobID string) {
	m.mu.Lock()
	m.busy++
	m.lastJobID = jobID
	m.lastJobAt = time.Now()
	m.mu.Unlock()
	m.metrics.SlotBusy(1)
}

func (m *Manager) release(slot int) {
	m.mu.Lock()
	m.busy--
	m.mu.Unlock()
	m.metrics.SlotBusy(-1)
	m.slots <- slot
}
