package jobs

import (
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"meshqueue/internal/artifacts"
)

// ArtifactRef records the output of one completed stage.
type ArtifactRef struct {
	Stage string        `json:"stage"`
	Ref   artifacts.Ref `json:"ref"`
}

// Cause is the structured reason a job failed. It is set once.
type Cause struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}

// Job is the persisted state machine instance for one submitted unit of work.
type Job struct {
	ID                string        `json:"id"`
	Pipeline          []string      `json:"pipeline"`
	InputRef          artifacts.Ref `json:"input_ref"`
	InputName         string        `json:"input_name"`
	State             State         `json:"state"`
	CurrentStageIndex int           `json:"current_stage_index"`
	StageAttempts     int           `json:"stage_attempts"`
	ArtifactRefs      []ArtifactRef `json:"artifact_refs"`
	Warnings          []string      `json:"warnings"`
	Error             *Cause        `json:"error,omitempty"`
	CancelRequested   bool          `json:"cancel_requested"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LastHeartbeat     time.Time     `json:"last_heartbeat,omitzero"`
}

// NewID returns a lexically sortable job identifier.
func NewID() string {
	return ulid.Make().String()
}

// New builds a PENDING job. Version starts at 1 once created in a store.
func New(id string, pipeline []string, input artifacts.Ref, inputName string, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:           id,
		Pipeline:     slices.Clone(pipeline),
		InputRef:     input,
		InputName:    inputName,
		State:        StatePending,
		ArtifactRefs: []ArtifactRef{},
		Warnings:     []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Pipeline = slices.Clone(j.Pipeline)
	out.ArtifactRefs = slices.Clone(j.ArtifactRefs)
	out.Warnings = slices.Clone(j.Warnings)
	if j.Error != nil {
		cause := *j.Error
		out.Error = &cause
	}
	return &out
}

// CurrentStage is the stage at the cursor, or "" once past the end.
func (j *Job) CurrentStage() string {
	if j.CurrentStageIndex < 0 || j.CurrentStageIndex >= len(j.Pipeline) {
		return ""
	}
	return j.Pipeline[j.CurrentStageIndex]
}

// StatusStage is the stage to report: the cursor stage, or the last stage
// once the pipeline has run to the end.
func (j *Job) StatusStage() string {
	if j.CurrentStageIndex >= len(j.Pipeline) && len(j.Pipeline) > 0 {
		return j.Pipeline[len(j.Pipeline)-1]
	}
	return j.CurrentStage()
}

// Artifact returns the ref recorded for stage.
func (j *Job) Artifact(stage string) (artifacts.Ref, bool) {
	for _, entry := range j.ArtifactRefs {
		if entry.Stage == stage {
			return entry.Ref, true
		}
	}
	return "", false
}

func (j *Job) moveTo(to State, now time.Time) error {
	if j.State.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrTerminal, j.ID, j.State)
	}
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.UpdatedAt = now.UTC()
	return nil
}

// Start moves a PENDING job, or one waiting out a retry, to RUNNING.
func (j *Job) Start(now time.Time) error {
	if j.State == StateRunning {
		return fmt.Errorf("%w: job %s already running", ErrInvalidTransition, j.ID)
	}
	return j.moveTo(StateRunning, now)
}

// CompleteStage records the artifact of the stage at the cursor, resets the
// attempt counter and advances the cursor. The job succeeds after the last
// stage.
func (j *Job) CompleteStage(ref artifacts.Ref, warnings []string, now time.Time) error {
	if j.State != StateRunning {
		if j.State.Terminal() {
			return fmt.Errorf("%w: job %s is %s", ErrTerminal, j.ID, j.State)
		}
		return fmt.Errorf("%w: complete stage while %s", ErrInvalidTransition, j.State)
	}
	stage := j.CurrentStage()
	if stage == "" {
		return fmt.Errorf("%w: cursor %d outside pipeline", ErrInvalidTransition, j.CurrentStageIndex)
	}
	if _, exists := j.Artifact(stage); exists {
		return fmt.Errorf("%w: stage %s already has an artifact", ErrInvalidTransition, stage)
	}
	j.ArtifactRefs = append(j.ArtifactRefs, ArtifactRef{Stage: stage, Ref: ref})
	j.AddWarnings(warnings...)
	j.StageAttempts = 0
	j.CurrentStageIndex++
	if j.CurrentStageIndex >= len(j.Pipeline) {
		return j.moveTo(StateSucceeded, now)
	}
	return j.moveTo(StateRunning, now)
}

// FailAttempt consumes one attempt of the current stage and parks the job in
// STAGE_FAILED for the retry window.
func (j *Job) FailAttempt(now time.Time) error {
	if err := j.moveTo(StateStageFailed, now); err != nil {
		return err
	}
	j.StageAttempts++
	return nil
}

// Fail makes the job terminally FAILED with cause.
func (j *Job) Fail(cause Cause, now time.Time) error {
	if err := j.moveTo(StateFailed, now); err != nil {
		return err
	}
	j.Error = &cause
	return nil
}

// Cancel makes the job terminally CANCELLED.
func (j *Job) Cancel(now time.Time) error {
	return j.moveTo(StateCancelled, now)
}

// ConsumeAttempt counts a failed attempt without leaving RUNNING; used when
// the failure is final and the job is about to fail.
func (j *Job) ConsumeAttempt() {
	j.StageAttempts++
}

// AddWarnings appends warnings not already present.
func (j *Job) AddWarnings(warnings ...string) {
	for _, warning := range warnings {
		if warning != "" && !slices.Contains(j.Warnings, warning) {
			j.Warnings = append(j.Warnings, warning)
		}
	}
}
