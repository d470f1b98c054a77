package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// JobStatus describes a job record in a transport-friendly format.
type JobStatus struct {
	ID                string          `json:"id"`
	State             string          `json:"state"`
	Pipeline          []string        `json:"pipeline"`
	CurrentStage      string          `json:"currentStage,omitempty"`
	CurrentStageIndex int             `json:"currentStageIndex"`
	StageAttempts     int             `json:"stageAttempts"`
	InputName         string          `json:"inputName"`
	InputRef          string          `json:"inputRef"`
	Artifacts         []ArtifactEntry `json:"artifacts"`
	Warnings          []string        `json:"warnings"`
	Error             *JobError       `json:"error,omitempty"`
	CancelRequested   bool            `json:"cancelRequested"`
	Report            json.RawMessage `json:"report,omitempty"`
	CreatedAt         string          `json:"createdAt,omitempty"`
	UpdatedAt         string          `json:"updatedAt,omitempty"`
	LastHeartbeat     string          `json:"lastHeartbeat,omitempty"`
}

// ArtifactEntry is one completed stage output.
type ArtifactEntry struct {
	Stage string `json:"stage"`
	Ref   string `json:"ref"`
	Name  string `json:"name"`
}

// JobError is the structured terminal failure cause.
type JobError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
	Attempt int    `json:"attempt,omitempty"`
}

// SubmitResponse is returned by POST /api/jobs.
type SubmitResponse struct {
	JobID string `json:"jobId"`
}

// JobListResponse wraps a collection of jobs for API responses.
type JobListResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// StatsResponse provides job counts keyed by state.
type StatsResponse struct {
	Counts map[string]int `json:"counts"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

// WorkerStatus summarizes the local worker pool.
type WorkerStatus struct {
	Running     bool   `json:"running"`
	Concurrency int    `json:"concurrency"`
	BusySlots   int    `json:"busySlots"`
	LastError   string `json:"lastError,omitempty"`
	LastJobID   string `json:"lastJobId,omitempty"`
	LastJobAt   string `json:"lastJobAt,omitempty"`
}

// QueueStatus mirrors broker statistics.
type QueueStatus struct {
	Backend string `json:"backend"`
	Ready   int    `json:"ready"`
	Leased  int    `json:"leased"`
	Dead    int    `json:"dead"`
	Error   string `json:"error,omitempty"`
}

// StageHealth mirrors readiness reporting for pipeline stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool               `json:"running"`
	PID          int                `json:"pid"`
	StartedAt    string             `json:"startedAt,omitempty"`
	Workers      *WorkerStatus      `json:"workers,omitempty"`
	Queue        QueueStatus        `json:"queue"`
	Jobs         map[string]int     `json:"jobs"`
	LastError    string             `json:"lastError,omitempty"`
	StageHealth  []StageHealth      `json:"stageHealth"`
	Dependencies []DependencyStatus `json:"dependencies"`
}
