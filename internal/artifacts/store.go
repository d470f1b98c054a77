package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a reference points at nothing.
var ErrNotFound = errors.New("artifact not found")

// Store is the shared artifact area between the front door and workers.
// Writes are atomic to readers; the core never deletes.
type Store interface {
	// Put publishes r under a ref that no earlier Put returned.
	Put(ctx context.Context, jobID, stage, name string, r io.Reader) (Ref, error)
	Get(ctx context.Context, ref Ref) (io.ReadCloser, error)
	Stat(ctx context.Context, ref Ref) (int64, error)
}

const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	Root    string
	S3      S3Options
}

// Open builds the artifact store selected by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendFS, "":
		return NewFS(opts.Root)
	case BackendS3:
		return NewS3(ctx, opts.S3)
	default:
		return nil, fmt.Errorf("unsupported artifacts backend %q", opts.Backend)
	}
}

// Base returns the file name component of a client-supplied upload name.
func Base(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	switch name {
	case ".", "..", "/":
		return ""
	}
	return name
}
