package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"meshqueue/internal/fileutil"
	"meshqueue/internal/services"
)

// FS stores artifacts on a filesystem shared by every worker host.
type FS struct {
	root string
}

// NewFS prepares root and its .tmp staging directory.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("artifact root is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FS{root: root}, nil
}

// Root returns the store's base directory.
func (s *FS) Root() string { return s.root }

// Put writes r to a temp file, fsyncs it and links it into place under a new
// version. An existing file is never replaced.
func (s *FS) Put(ctx context.Context, jobID, stage, name string, r io.Reader) (Ref, error) {
	ref, err := NewRef(jobID, stage, NewVersion(), name)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(string(ref)))
	if _, err := fileutil.WriteAtomic(filepath.Join(s.root, ".tmp"), dst, r); err != nil {
		return "", services.Wrap(services.ErrStorage, stage, "put artifact", string(ref), err)
	}
	return ref, nil
}

// Get opens the artifact for reading.
func (s *FS) Get(ctx context.Context, ref Ref) (io.ReadCloser, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, services.Wrap(services.ErrStorage, "", "get artifact", string(ref), err)
	}
	return file, nil
}

// Stat returns the artifact size in bytes.
func (s *FS) Stat(ctx context.Context, ref Ref) (int64, error) {
	p, err := s.path(ref)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return 0, services.Wrap(services.ErrStorage, "", "stat artifact", string(ref), err)
	}
	return info.Size(), nil
}

func (s *FS) path(ref Ref) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(string(ref))), nil
}
