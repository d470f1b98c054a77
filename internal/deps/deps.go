package deps

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Requirement defines an external tool a pipeline stage invokes.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
// Requirements sharing one command are resolved once.
func CheckBinaries(requirements []Requirement) []Status {
	resolved := make(map[string]error, len(requirements))
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		lookErr, seen := resolved[cmd]
		if !seen {
			_, lookErr = exec.LookPath(cmd)
			resolved[cmd] = lookErr
		}
		if lookErr != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// Missing returns the names of required (non-optional) dependencies that are
// unavailable, sorted for stable output.
func Missing(statuses []Status) []string {
	var missing []string
	for _, status := range statuses {
		if !status.Available && !status.Optional {
			missing = append(missing, status.Name)
		}
	}
	sort.Strings(missing)
	return missing
}
