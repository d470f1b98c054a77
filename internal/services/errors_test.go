package services_test

import (
	"errors"
	"strings"
	"testing"

	"meshqueue/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrToolExecution, "convert", "run", "exit status 2", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrToolExecution) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"convert", "run", "exit status 2", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want services.Kind
	}{
		{"nil", nil, ""},
		{"timeout", services.Wrap(services.ErrToolTimeout, "slice", "run", "deadline", nil), services.KindToolTimeout},
		{"execution", services.Wrap(services.ErrToolExecution, "slice", "run", "exit 1", nil), services.KindToolExecution},
		{"output missing", services.Wrap(services.ErrToolOutputMissing, "slice", "collect", "", nil), services.KindToolExecution},
		{"storage", services.Wrap(services.ErrStorage, "slice", "put", "", errors.New("disk full")), services.KindStorage},
		{"validation", services.Wrap(services.ErrValidation, "", "submit", "bad stage", nil), services.KindValidation},
		{"delivery", services.ErrDeliveryExhausted, services.KindDeliveryExhausted},
		{"plain", errors.New("x"), services.KindInternal},
	}
	for _, tc := range cases {
		if got := services.KindOf(tc.err); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestDetailsReportsOutputMissingCode(t *testing.T) {
	err := services.Wrap(services.ErrToolOutputMissing, "convert", "collect output", "no file matched *.obj", nil)
	details := services.Details(err)
	if details.Kind != services.KindToolExecution {
		t.Fatalf("expected tool execution kind, got %q", details.Kind)
	}
	if details.Code != "output_missing" {
		t.Fatalf("expected output_missing code, got %q", details.Code)
	}
	if details.Stage != "convert" {
		t.Fatalf("expected stage convert, got %q", details.Stage)
	}
}

func TestRetryable(t *testing.T) {
	timeout := services.Wrap(services.ErrToolTimeout, "slice", "run", "", nil)
	execution := services.Wrap(services.ErrToolExecution, "slice", "run", "", nil)
	storage := services.Wrap(services.ErrStorage, "slice", "put", "", nil)
	validation := services.Wrap(services.ErrValidation, "slice", "", "", nil)

	if !services.Retryable(timeout, false) {
		t.Fatal("timeouts should always be retryable")
	}
	if !services.Retryable(storage, false) {
		t.Fatal("storage errors should always be retryable")
	}
	if services.Retryable(execution, false) {
		t.Fatal("tool errors should not retry when the stage forbids it")
	}
	if !services.Retryable(execution, true) {
		t.Fatal("tool errors should retry when the stage allows it")
	}
	if services.Retryable(validation, true) {
		t.Fatal("validation errors must never retry")
	}
}
