package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meshqueue/internal/broker"
	"meshqueue/internal/jobs"
	"meshqueue/internal/logging"
)

// HeartbeatMonitor keeps a running job's broker lease and record heartbeat
// fresh.
type HeartbeatMonitor struct {
	broker   broker.Broker
	store    jobs.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(b broker.Broker, store jobs.Store, logger *slog.Logger, interval time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		broker:   b,
		store:    store,
		logger:   logger,
		interval: interval,
	}
}

// Run beats once immediately and then every interval until ctx ends. When
// the broker reports the lease lost, Run calls lost with broker.ErrLeaseLost
// and stops.
func (h *HeartbeatMonitor) Run(ctx context.Context, d *broker.Delivery, lost context.CancelCauseFunc) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String(logging.FieldComponent, "workflow-heartbeat")))
	for {
		if !h.beat(ctx, logger, d) {
			lost(broker.ErrLeaseLost)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// beat reports false once the delivery lease is gone.
func (h *HeartbeatMonitor) beat(ctx context.Context, logger *slog.Logger, d *broker.Delivery) bool {
	if err := h.store.Touch(ctx, d.JobID, time.Now()); err != nil && !ignorable(err) {
		logger.Warn("job heartbeat update failed", logging.Error(err))
	}
	err := h.broker.Extend(ctx, d)
	switch {
	case err == nil, ignorable(err):
	case errors.Is(err, broker.ErrLeaseLost):
		logging.WarnWithContext(logger, "delivery lease lost while running", "delivery_lease_lost",
			logging.String(logging.FieldErrorHint, "raise broker.visibility_timeout"),
			logging.String(logging.FieldImpact, "execution stops; another slot owns the job"),
		)
		return false
	default:
		logger.Warn("lease extension failed", logging.Error(err))
	}
	return true
}

func ignorable(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
