package stage

import (
	"context"
	"encoding/json"
	"time"

	"meshqueue/internal/artifacts"
)

// Outcome classifies a single stage attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeTimeout means the tool exceeded its bound and was killed.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeFailed covers unexpected exit codes, missing output and
	// unparseable reports.
	OutcomeFailed Outcome = "failed"
	// OutcomeStorageError means an artifact could not be read or written.
	OutcomeStorageError Outcome = "storage_error"
	// OutcomeInterrupted means the caller's context ended (shutdown). It does
	// not count as an attempt.
	OutcomeInterrupted Outcome = "interrupted"
)

// Request is one stage invocation for one job.
type Request struct {
	JobID      string
	Descriptor Descriptor
	Input      artifacts.Ref
	Attempt    int
}

// Result is always returned by a Runner; failures travel in Err, classified
// with services markers.
type Result struct {
	Stage    string
	Outcome  Outcome
	Ref      artifacts.Ref
	Warnings []string
	// Report is the parsed document of a report-producing stage.
	Report   json.RawMessage
	ExitCode int
	Duration time.Duration
	Err      error
}

// OK reports whether the attempt succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSucceeded
}

// Runner executes one stage attempt synchronously.
type Runner interface {
	Run(ctx context.Context, req Request) Result
}
