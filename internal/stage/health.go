package stage

import "meshqueue/internal/deps"

// Health summarizes the readiness of a pipeline stage.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// Requirements lists the external binaries the catalog invokes.
func (c *Catalog) Requirements() []deps.Requirement {
	descriptors := c.Descriptors()
	reqs := make([]deps.Requirement, 0, len(descriptors))
	for _, d := range descriptors {
		reqs = append(reqs, deps.Requirement{
			Name:        d.Name(),
			Command:     d.Command,
			Description: Label(d.Name()) + " stage tool",
		})
	}
	return reqs
}

// CheckHealth resolves every stage's tool on PATH.
func (c *Catalog) CheckHealth() []Health {
	statuses := deps.CheckBinaries(c.Requirements())
	out := make([]Health, 0, len(statuses))
	for _, status := range statuses {
		if status.Available {
			out = append(out, Healthy(status.Name))
			continue
		}
		out = append(out, Unhealthy(status.Name, status.Detail))
	}
	return out
}
