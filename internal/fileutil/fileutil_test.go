package fileutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteStream(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "model.obj")
	n, err := WriteStream(dst, strings.NewReader("v 0 0 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes, got %d", n)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v 0 0 0\n" {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestWriteAtomicLinksIntoPlace(t *testing.T) {
	root := t.TempDir()
	tmpDir := filepath.Join(root, ".tmp")
	dst := filepath.Join(root, "jobs", "01JOB", "slice", "out.gcode")

	if _, err := WriteAtomic(tmpDir, dst, strings.NewReader("G28\n")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "G28\n" {
		t.Fatalf("content mismatch: %q", got)
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, found %d entries", len(entries))
	}
}

func TestWriteAtomicNeverReplaces(t *testing.T) {
	root := t.TempDir()
	tmpDir := filepath.Join(root, ".tmp")
	dst := filepath.Join(root, "out.gcode")

	if _, err := WriteAtomic(tmpDir, dst, strings.NewReader("first")); err != nil {
		t.Fatal(err)
	}
	_, err := WriteAtomic(tmpDir, dst, strings.NewReader("second"))
	if !errors.Is(err, fs.ErrExist) {
		t.Fatalf("expected fs.ErrExist, got %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Fatalf("published file was replaced: %q", got)
	}
	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Fatalf("expected temp file cleanup, found %d entries", len(entries))
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestWriteAtomicLeavesNothingOnFailure(t *testing.T) {
	root := t.TempDir()
	tmpDir := filepath.Join(root, ".tmp")
	dst := filepath.Join(root, "out.stl")

	if _, err := WriteAtomic(tmpDir, dst, failingReader{}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("expected destination to be absent, got %v", err)
	}
	entries, _ := os.ReadDir(tmpDir)
	if len(entries) != 0 {
		t.Fatalf("expected temp file cleanup, found %d entries", len(entries))
	}
}

func TestNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if NonEmptyFile(empty) || NonEmptyFile(dir) || NonEmptyFile(filepath.Join(dir, "missing")) {
		t.Fatal("expected empty, directory and missing paths to be rejected")
	}
	if !NonEmptyFile(full) {
		t.Fatal("expected non-empty file to be accepted")
	}
}
