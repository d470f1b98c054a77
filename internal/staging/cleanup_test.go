package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"meshqueue/internal/logging"
)

func TestCleanOrphanedInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanOrphaned(context.Background(), dir, nil, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanOrphanedKeepsActiveJobs(t *testing.T) {
	workDir := t.TempDir()

	activeDir := filepath.Join(workDir, "01ACTIVE")
	orphanDir := filepath.Join(workDir, "01ORPHAN")
	for _, dir := range []string{
		filepath.Join(activeDir, "repair-1-abcd1234"),
		filepath.Join(orphanDir, "slice-2-deadbeef", "output"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("create dir: %v", err)
		}
	}
	stray := filepath.Join(workDir, "notes.txt")
	if err := os.WriteFile(stray, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	result := CleanOrphaned(context.Background(), workDir, map[string]struct{}{"01ACTIVE": {}}, logging.NewNop())

	if len(result.Removed) != 1 || result.Removed[0] != orphanDir {
		t.Fatalf("expected only %s removed, got %v", orphanDir, result.Removed)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Error("orphaned directory should have been removed")
	}
	for _, path := range []string{activeDir, stray} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s should still exist: %v", path, err)
		}
	}
}
