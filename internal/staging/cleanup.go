package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"meshqueue/internal/logging"
)

// CleanResult contains the outcome of a work directory sweep.
type CleanResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanOrphaned removes per-job scratch directories under workDir whose job is
// not in active. Crashed or killed stage runs leave these behind.
func CleanOrphaned(ctx context.Context, workDir string, active map[string]struct{}, logger *slog.Logger) CleanResult {
	result := CleanResult{}

	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return result
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: workDir, Error: err})
		}
		return result
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result
		}
		if !entry.IsDir() {
			continue
		}
		if _, ok := active[entry.Name()]; ok {
			continue
		}

		dirPath := filepath.Join(workDir, entry.Name())
		if err := os.RemoveAll(dirPath); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dirPath, Error: err})
			if logger != nil {
				logger.Warn("failed to remove orphaned work directory",
					logging.String("path", dirPath),
					logging.Error(err),
					logging.String(logging.FieldEventType, "work_dir_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "check paths.work_dir permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)
			}
			continue
		}
		result.Removed = append(result.Removed, dirPath)
		if logger != nil {
			logger.Info("removed orphaned work directory",
				logging.String("path", dirPath),
				logging.String(logging.FieldJobID, entry.Name()),
				logging.String(logging.FieldEventType, "work_dir_cleanup"),
			)
		}
	}

	return result
}
