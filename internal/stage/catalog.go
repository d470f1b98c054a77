package stage

import (
	"fmt"
	"slices"
	"strings"

	"meshqueue/internal/services"
)

// Catalog is the closed set of stage descriptors resolved at config load.
type Catalog struct {
	byKind map[Kind]Descriptor
}

// NewCatalog validates descriptors and indexes them by kind.
func NewCatalog(descriptors ...Descriptor) (*Catalog, error) {
	c := &Catalog{byKind: make(map[Kind]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byKind[d.Kind]; dup {
			return nil, fmt.Errorf("stage %q defined twice", d.Kind)
		}
		c.byKind[d.Kind] = d
	}
	return c, nil
}

// Lookup returns the descriptor registered for name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	kind, ok := ParseKind(name)
	if !ok {
		return Descriptor{}, false
	}
	d, ok := c.byKind[kind]
	return d, ok
}

// Descriptors returns every registered descriptor in canonical kind order.
func (c *Catalog) Descriptors() []Descriptor {
	if c == nil {
		return nil
	}
	out := make([]Descriptor, 0, len(c.byKind))
	for _, kind := range allKinds {
		if d, ok := c.byKind[kind]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Resolve maps a pipeline of stage names onto descriptors. Empty pipelines,
// unknown names and repeated stages are validation errors.
func (c *Catalog) Resolve(pipeline []string) ([]Descriptor, error) {
	if len(pipeline) == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "resolve pipeline", "pipeline is empty", nil)
	}
	out := make([]Descriptor, 0, len(pipeline))
	seen := make([]Kind, 0, len(pipeline))
	for _, name := range pipeline {
		d, ok := c.Lookup(name)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "", "resolve pipeline",
				fmt.Sprintf("unknown stage %q (known: %s)", strings.TrimSpace(name), c.known()), nil)
		}
		if slices.Contains(seen, d.Kind) {
			return nil, services.Wrap(services.ErrValidation, "", "resolve pipeline",
				fmt.Sprintf("stage %q appears more than once", d.Kind), nil)
		}
		seen = append(seen, d.Kind)
		out = append(out, d)
	}
	return out, nil
}

// Normalize returns pipeline with names lowercased and trimmed, as stored on
// a job record.
func Normalize(pipeline []string) []string {
	out := make([]string, 0, len(pipeline))
	for _, name := range pipeline {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *Catalog) known() string {
	names := make([]string, 0, len(allKinds))
	for _, d := range c.Descriptors() {
		names = append(names, d.Name())
	}
	return strings.Join(names, ", ")
}
