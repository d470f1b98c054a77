package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteTool writes an executable /bin/sh script into dir and returns its path.
func WriteTool(t testing.TB, dir, name, script string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write tool %s: %v", name, err)
	}
	return target
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
