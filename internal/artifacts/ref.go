package artifacts

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Ref addresses one published artifact: jobs/<jobID>/<stage>/<version>/<name>.
// Every Put mints a new version, so the bytes behind a ref never change.
type Ref string

// InputStage is the pseudo stage under which uploads are stored.
const InputStage = "input"

const refRoot = "jobs"

// ErrInvalidRef reports a malformed or traversing reference.
var ErrInvalidRef = errors.New("invalid artifact ref")

// NewVersion returns a fresh, time-ordered version segment.
func NewVersion() string {
	return ulid.Make().String()
}

// NewRef builds a reference and checks every segment.
func NewRef(jobID, stage, version, name string) (Ref, error) {
	for _, segment := range []string{jobID, stage, version, name} {
		if err := checkSegment(segment); err != nil {
			return "", err
		}
	}
	return Ref(path.Join(refRoot, jobID, stage, version, name)), nil
}

// Parts splits a reference into its job id, stage, version and file name.
func (r Ref) Parts() (jobID, stage, version, name string, err error) {
	segments := strings.Split(string(r), "/")
	if len(segments) != 5 || segments[0] != refRoot {
		return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidRef, string(r))
	}
	for _, segment := range segments[1:] {
		if err := checkSegment(segment); err != nil {
			return "", "", "", "", err
		}
	}
	return segments[1], segments[2], segments[3], segments[4], nil
}

// Validate reports whether r is well formed.
func (r Ref) Validate() error {
	_, _, _, _, err := r.Parts()
	return err
}

// Name is the artifact's file name.
func (r Ref) Name() string {
	return path.Base(string(r))
}

func (r Ref) String() string { return string(r) }

func checkSegment(segment string) error {
	switch {
	case segment == "", segment == ".", segment == "..":
		return fmt.Errorf("%w: segment %q", ErrInvalidRef, segment)
	case strings.ContainsAny(segment, "/\\\x00"):
		return fmt.Errorf("%w: segment %q contains a separator", ErrInvalidRef, segment)
	}
	return nil
}
