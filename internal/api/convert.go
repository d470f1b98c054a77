package api

import (
	"time"

	"meshqueue/internal/deps"
	"meshqueue/internal/jobs"
	"meshqueue/internal/stage"
	"meshqueue/internal/workflow"
)

// FromJob converts a job record to its API representation.
func FromJob(job *jobs.Job) JobStatus {
	if job == nil {
		return JobStatus{}
	}
	dto := JobStatus{
		ID:                job.ID,
		State:             string(job.State),
		Pipeline:          append([]string(nil), job.Pipeline...),
		CurrentStage:      job.StatusStage(),
		CurrentStageIndex: job.CurrentStageIndex,
		StageAttempts:     job.StageAttempts,
		InputName:         job.InputName,
		InputRef:          job.InputRef.String(),
		Artifacts:         make([]ArtifactEntry, 0, len(job.ArtifactRefs)),
		Warnings:          append([]string{}, job.Warnings...),
		CancelRequested:   job.CancelRequested,
		CreatedAt:         formatTime(job.CreatedAt),
		UpdatedAt:         formatTime(job.UpdatedAt),
		LastHeartbeat:     formatTime(job.LastHeartbeat),
	}
	for _, entry := range job.ArtifactRefs {
		dto.Artifacts = append(dto.Artifacts, ArtifactEntry{
			Stage: entry.Stage,
			Ref:   entry.Ref.String(),
			Name:  entry.Ref.Name(),
		})
	}
	if job.Error != nil {
		dto.Error = &JobError{
			Kind:    job.Error.Kind,
			Code:    job.Error.Code,
			Stage:   job.Error.Stage,
			Message: job.Error.Message,
			Attempt: job.Error.Attempt,
		}
	}
	return dto
}

// FromJobs converts a slice of job records.
func FromJobs(list []*jobs.Job) []JobStatus {
	out := make([]JobStatus, 0, len(list))
	for _, job := range list {
		out = append(out, FromJob(job))
	}
	return out
}

// MergeJobStats returns counts for every state, zero-filled.
func MergeJobStats(stats map[jobs.State]int) map[string]int {
	out := make(map[string]int, len(jobs.States()))
	for _, state := range jobs.States() {
		out[string(state)] = stats[state]
	}
	return out
}

// FromWorkerStatus converts a pool summary.
func FromWorkerStatus(summary workflow.StatusSummary) *WorkerStatus {
	return &WorkerStatus{
		Running:     summary.Running,
		Concurrency: summary.Concurrency,
		BusySlots:   summary.BusySlots,
		LastError:   summary.LastError,
		LastJobID:   summary.LastJobID,
		LastJobAt:   formatTime(summary.LastJobAt),
	}
}

// StageHealthSlice converts stage health records preserving catalog order.
func StageHealthSlice(health []stage.Health) []StageHealth {
	out := make([]StageHealth, 0, len(health))
	for _, h := range health {
		out = append(out, StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// FromDependencies converts dependency checks.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyStatus{
			Name:        s.Name,
			Command:     s.Command,
			Description: s.Description,
			Optional:    s.Optional,
			Available:   s.Available,
			Detail:      s.Detail,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
