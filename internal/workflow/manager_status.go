package workflow

import "time"

// StatusSummary represents lightweight worker pool diagnostics.
type StatusSummary struct {
	Running     bool      `json:"running"`
	Concurrency int       `json:"concurrency"`
	BusySlots   int       `json:"busySlots"`
	LastError   string    `json:"lastError,omitempty"`
	LastJobID   string    `json:"lastJobId,omitempty"`
	LastJobAt   time.Time `json:"lastJobAt,omitzero"`
}

// Status returns the latest pool information.
func (m *Manager) Status() StatusSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary := StatusSummary{
		Running:     m.running,
		Concurrency: m.opts.Concurrency,
		BusySlots:   m.busy,
		LastJobID:   m.lastJobID,
		LastJobAt:   m.lastJobAt,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}
