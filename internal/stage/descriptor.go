package stage

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind identifies one member of the closed set of pipeline stages. A stage's
// kind doubles as its name inside a job pipeline.
type Kind string

const (
	KindConvert  Kind = "convert"
	KindValidate Kind = "validate"
	KindRepair   Kind = "repair"
	KindSlice    Kind = "slice"
)

var allKinds = []Kind{KindConvert, KindValidate, KindRepair, KindSlice}

// Kinds returns the known stage kinds in canonical order.
func Kinds() []Kind {
	return slices.Clone(allKinds)
}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	if slices.Contains(allKinds, normalized) {
		return normalized, true
	}
	return "", false
}

var titleCaser = cases.Title(language.English)

// Label returns a display label for a stage name ("slice" -> "Slice").
func Label(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	if name == "" {
		return ""
	}
	return titleCaser.String(name)
}

// Produces describes what a stage's artifact represents.
type Produces string

const (
	// ProducesModel artifacts feed the next stage.
	ProducesModel Produces = "model"
	// ProducesReport artifacts are informational; the next stage keeps
	// consuming the most recent model.
	ProducesReport Produces = "report"
)

// WarningRule appends Message to a job's warnings when Match appears in a
// stage's tool output.
type WarningRule struct {
	Match   string
	Message string
}

// Descriptor is the static definition of one external-tool stage.
type Descriptor struct {
	Kind          Kind
	Command       string
	Args          []string
	OutputName    string
	OutputPattern string
	Prefer        []string
	StdoutFile    string
	Produces      Produces
	Timeout       time.Duration
	SuccessCodes  []int
	Retryable     bool
	Warnings      []WarningRule
}

// Name returns the pipeline name of the stage.
func (d Descriptor) Name() string {
	return string(d.Kind)
}

// Succeeded reports whether code is one of the declared success exit codes.
func (d Descriptor) Succeeded(code int) bool {
	if len(d.SuccessCodes) == 0 {
		return code == 0
	}
	return slices.Contains(d.SuccessCodes, code)
}

// Vars are the values substituted into an argument template.
type Vars struct {
	Input     string
	Output    string
	OutputDir string
	JobID     string
	Stage     string
}

// RenderArgs expands {input}, {output}, {output_dir}, {job_id} and {stage}
// in every argument. Placeholders may appear inside larger arguments.
func (d Descriptor) RenderArgs(vars Vars) []string {
	replacer := strings.NewReplacer(
		"{input}", vars.Input,
		"{output}", vars.Output,
		"{output_dir}", vars.OutputDir,
		"{job_id}", vars.JobID,
		"{stage}", vars.Stage,
	)
	out := make([]string, len(d.Args))
	for i, arg := range d.Args {
		out[i] = replacer.Replace(arg)
	}
	return out
}

// Validate checks that the descriptor is executable.
func (d Descriptor) Validate() error {
	prefix := "stages." + string(d.Kind)
	if _, ok := ParseKind(string(d.Kind)); !ok {
		return fmt.Errorf("unknown stage kind %q", d.Kind)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("%s.command must be set", prefix)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("%s.timeout must be positive", prefix)
	}
	if strings.TrimSpace(d.OutputPattern) == "" {
		return fmt.Errorf("%s.output_pattern must be set", prefix)
	}
	if _, err := filepath.Match(d.OutputPattern, ""); err != nil {
		return fmt.Errorf("%s.output_pattern: %w", prefix, err)
	}
	if strings.ContainsAny(d.OutputName, `/\`) || strings.ContainsAny(d.StdoutFile, `/\`) {
		return fmt.Errorf("%s: output_name and stdout_file must be bare file names", prefix)
	}
	switch d.Produces {
	case ProducesModel:
	case ProducesReport:
		// The report is read from captured stdout.
		if strings.TrimSpace(d.StdoutFile) == "" {
			return fmt.Errorf("%s: produces = %q requires stdout_file", prefix, ProducesReport)
		}
	default:
		return fmt.Errorf("%s.produces must be %q or %q", prefix, ProducesModel, ProducesReport)
	}
	for _, rule := range d.Warnings {
		if strings.TrimSpace(rule.Match) == "" || strings.TrimSpace(rule.Message) == "" {
			return errors.New(prefix + ".warnings entries need match and message")
		}
	}
	return nil
}
