package logging

import (
	"context"
	"log/slog"

	"meshqueue/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for job identifiers.
	FieldJobID = "job_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldSlot is the standardized structured logging key for worker slot numbers.
	FieldSlot = "slot"
	// FieldAttempt is the 1-based attempt number of a stage or delivery.
	FieldAttempt = "attempt"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType names the event a log line records (stage_start, stage_failure, ...).
	FieldEventType = "event_type"
	// FieldErrorHint tells an operator what to look at next.
	FieldErrorHint = "error_hint"
	// FieldErrorKind carries the failure taxonomy kind.
	FieldErrorKind = "error_kind"
	// FieldErrorCode carries a machine-readable failure code.
	FieldErrorCode = "error_code"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.JobIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldJobID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if slot, ok := services.SlotFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldSlot, slot))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(toArgs(fields)...)
}
