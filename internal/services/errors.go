package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrToolTimeout       = errors.New("tool timeout")
	ErrToolExecution     = errors.New("tool execution error")
	ErrToolOutputMissing = fmt.Errorf("%w: declared output missing", ErrToolExecution)
	ErrStorage           = errors.New("storage error")
	ErrDeliveryExhausted = errors.New("delivery exhausted")
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
	ErrInterrupted       = errors.New("interrupted")
)

// Kind is the stable, user-visible classification of a failure.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindToolTimeout       Kind = "tool_timeout"
	KindToolExecution     Kind = "tool_execution_error"
	KindStorage           Kind = "storage_error"
	KindDeliveryExhausted Kind = "delivery_exhausted"
	KindConfiguration     Kind = "configuration_error"
	KindNotFound          Kind = "not_found"
	KindInterrupted       Kind = "interrupted"
	KindInternal          Kind = "internal_error"
)

// Error carries stage context alongside a sentinel marker used for
// classification. Both the marker and the cause participate in errors.Is.
type Error struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Code      string
	Cause     error
}

func (e *Error) Error() string {
	marker := e.Marker
	if marker == nil {
		marker = ErrToolExecution
	}
	var b strings.Builder
	b.WriteString(marker.Error())
	b.WriteString(": ")
	b.WriteString(buildDetail(e.Stage, e.Operation, e.Message))
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Marker != nil {
		out = append(out, e.Marker)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	return New(marker, stage, operation, message, err)
}

// New is Wrap returning the concrete type so callers can attach a Code.
func New(marker error, stage, operation, message string, err error) *Error {
	if marker == nil {
		marker = ErrToolExecution
	}
	return &Error{
		Marker:    marker,
		Stage:     strings.TrimSpace(stage),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// WithCode sets a machine-readable code and returns the receiver.
func (e *Error) WithCode(code string) *Error {
	e.Code = strings.TrimSpace(code)
	return e
}

// Detail is the flattened view of a classified error used by logs and the
// job record.
type Detail struct {
	Kind      Kind
	Stage     string
	Operation string
	Code      string
	Message   string
	Cause     error
}

// Details extracts classification detail from err.
func Details(err error) Detail {
	if err == nil {
		return Detail{}
	}
	detail := Detail{Kind: KindOf(err), Message: strings.TrimSpace(err.Error())}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		detail.Stage = svcErr.Stage
		detail.Operation = svcErr.Operation
		detail.Code = svcErr.Code
		detail.Cause = svcErr.Cause
	}
	if detail.Code == "" && errors.Is(err, ErrToolOutputMissing) {
		detail.Code = "output_missing"
	}
	return detail
}

// KindOf maps err onto the failure taxonomy. Output-missing failures report
// as tool execution errors.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeliveryExhausted):
		return KindDeliveryExhausted
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrToolTimeout):
		return KindToolTimeout
	case errors.Is(err, ErrToolExecution):
		return KindToolExecution
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	default:
		return KindInternal
	}
}

// Retryable reports whether a stage failure may be attempted again.
// Timeouts and storage failures always qualify; tool execution failures
// qualify only when the stage descriptor allows it.
func Retryable(err error, stageRetryable bool) bool {
	switch KindOf(err) {
	case KindToolTimeout, KindStorage:
		return true
	case KindToolExecution:
		return stageRetryable
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
