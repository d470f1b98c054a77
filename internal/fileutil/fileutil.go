package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteStream copies r into dst, creating or truncating it with mode 0o644.
func WriteStream(dst string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	written, err := io.Copy(out, r)
	if err != nil {
		return written, err
	}
	return written, out.Close()
}

// WriteAtomic streams r into a uniquely named file under tmpDir, fsyncs it and
// links it to dst. Readers of dst see either nothing or the complete file, and
// an existing dst is never replaced: the error then wraps fs.ErrExist.
// tmpDir must be on the same filesystem as dst.
func WriteAtomic(tmpDir, dst string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}
	tmp := filepath.Join(tmpDir, uuid.NewString())
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	written, err := io.Copy(out, r)
	if err != nil {
		return written, fmt.Errorf("write temp file: %w", err)
	}
	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("sync temp file: %w", err)
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close temp file: %w", err)
	}
	linkErr := os.Link(tmp, dst)
	_ = os.Remove(tmp)
	committed = true
	if linkErr != nil {
		return written, fmt.Errorf("link into place: %w", linkErr)
	}
	syncDir(filepath.Dir(dst))
	return written, nil
}

// NonEmptyFile reports whether path is a regular file with content.
func NonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

func syncDir(dir string) {
	handle, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = handle.Sync()
	_ = handle.Close()
}
