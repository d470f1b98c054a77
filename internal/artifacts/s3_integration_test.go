//go:build integration

package artifacts_test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"meshqueue/internal/artifacts"
)

func TestS3RoundTrip(t *testing.T) {
	endpoint := os.Getenv("MESHQUEUE_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("MESHQUEUE_TEST_S3_ENDPOINT not set")
	}
	ctx := context.Background()
	store, err := artifacts.NewS3(ctx, artifacts.S3Options{
		Endpoint:  endpoint,
		Bucket:    "meshqueue-test",
		Prefix:    uuid.NewString(),
		AccessKey: os.Getenv("MESHQUEUE_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("MESHQUEUE_TEST_S3_SECRET_KEY"),
	})
	if err != nil {
		t.Fatalf("NewS3 failed: %v", err)
	}

	ref, err := store.Put(ctx, "01JOB", "convert", "converted.obj", strings.NewReader("v 1 1 1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	size, err := store.Stat(ctx, ref)
	if err != nil || size != 7 {
		t.Fatalf("Stat = %d, %v", size, err)
	}
	rc, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "v 1 1 1" {
		t.Fatalf("unexpected content %q", data)
	}

	again, err := store.Put(ctx, "01JOB", "convert", "converted.obj", strings.NewReader("v 2 2 2"))
	if err != nil || again == ref {
		t.Fatalf("second Put = %q, %v", again, err)
	}
	if size, err := store.Stat(ctx, ref); err != nil || size != 7 {
		t.Fatalf("first ref changed: %d, %v", size, err)
	}

	missing, _ := artifacts.NewRef("01JOB", "slice", artifacts.NewVersion(), "none.gcode")
	if _, err := store.Get(ctx, missing); !errors.Is(err, artifacts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
