package jobstore

import (
	"encoding/json"
	"fmt"
	"time"

	"meshqueue/internal/jobs"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// rowFields holds the JSON-encoded columns shared by the SQL backends.
type rowFields struct {
	pipeline  string
	refs      string
	warnings  string
	errorJSON *string
}

func encodeRow(job *jobs.Job) (rowFields, error) {
	var (
		out rowFields
		err error
	)
	if out.pipeline, err = encodeJSON(job.Pipeline); err != nil {
		return out, fmt.Errorf("encode pipeline: %w", err)
	}
	refs := job.ArtifactRefs
	if refs == nil {
		refs = []jobs.ArtifactRef{}
	}
	if out.refs, err = encodeJSON(refs); err != nil {
		return out, fmt.Errorf("encode artifact refs: %w", err)
	}
	warnings := job.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	if out.warnings, err = encodeJSON(warnings); err != nil {
		return out, fmt.Errorf("encode warnings: %w", err)
	}
	if job.Error != nil {
		encoded, err := encodeJSON(job.Error)
		if err != nil {
			return out, fmt.Errorf("encode error: %w", err)
		}
		out.errorJSON = &encoded
	}
	return out, nil
}

func decodeRow(job *jobs.Job, fields rowFields) error {
	if err := json.Unmarshal([]byte(fields.pipeline), &job.Pipeline); err != nil {
		return fmt.Errorf("decode pipeline: %w", err)
	}
	if err := json.Unmarshal([]byte(fields.refs), &job.ArtifactRefs); err != nil {
		return fmt.Errorf("decode artifact refs: %w", err)
	}
	if err := json.Unmarshal([]byte(fields.warnings), &job.Warnings); err != nil {
		return fmt.Errorf("decode warnings: %w", err)
	}
	if fields.errorJSON != nil && *fields.errorJSON != "" {
		var cause jobs.Cause
		if err := json.Unmarshal([]byte(*fields.errorJSON), &cause); err != nil {
			return fmt.Errorf("decode error: %w", err)
		}
		job.Error = &cause
	}
	return nil
}

// emptyStats returns a zero count for every state so callers can render a
// stable table.
func emptyStats() map[jobs.State]int {
	out := make(map[jobs.State]int, len(jobs.States()))
	for _, state := range jobs.States() {
		out[state] = 0
	}
	return out
}

func terminalStates() []any {
	return []any{string(jobs.StateSucceeded), string(jobs.StateFailed), string(jobs.StateCancelled)}
}
