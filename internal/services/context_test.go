package services_test

import (
	"context"
	"testing"

	"meshqueue/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "01HZX")
	ctx = services.WithStage(ctx, "slice")
	ctx = services.WithSlot(ctx, 2)
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "01HZX" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "slice" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if slot, ok := services.SlotFromContext(ctx); !ok || slot != 2 {
		t.Fatalf("unexpected slot: %v %v", slot, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithJobID(ctx, "")
	ctx = services.WithSlot(ctx, 0)
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage for blank value")
	}
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected no job id for blank value")
	}
	if _, ok := services.SlotFromContext(ctx); ok {
		t.Fatal("expected no slot for zero value")
	}
}
