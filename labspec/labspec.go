// Package labspec defines the assignment descriptor that drives grading:
// which files a submission supplies, which files a run produces, how the
// run is started and how it is scored.
package labspec

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Reserved output names which refer to the captured process streams
// instead of files in the work directory.
const (
	Stdout = "STDOUT"
	Stderr = "STDERR"
)

// IsStream reports whether the output name is one of the reserved stream names
func IsStream(name string) bool {
	return name == Stdout || name == Stderr
}

// Overlay is a set of environment variable bindings applied to one run
type Overlay map[string]string

// Merge copies every binding of o into d, overwriting existing keys
func (d Overlay) Merge(o Overlay) {
	maps.Copy(d, o)
}

// Environ renders the overlay as sorted KEY=value pairs
func (d Overlay) Environ() []string {
	keys := slices.Sorted(maps.Keys(d))
	rt := make([]string, 0, len(keys))
	for _, k := range keys {
		rt = append(rt, k+"="+d[k])
	}
	return rt
}

// ValuePlaceholder is substituted with the selected value in Env templates
const ValuePlaceholder = "${value}"

// Resolver maps a selected option value to an environment overlay.
//
// It is a tagged variant: exactly one of Values (a table of allowed values)
// or Env (a template applied to any value) is set.
type Resolver struct {
	Values map[string]Overlay `json:"values" yaml:"values,omitempty" toml:"values,omitempty"`
	Env    map[string]string  `json:"env" yaml:"env,omitempty" toml:"env,omitempty"`
}

// TableResolver creates a resolver that accepts only the given values
func TableResolver(values map[string]Overlay) Resolver {
	if values == nil {
		values = make(map[string]Overlay)
	}
	return Resolver{Values: values}
}

// FuncResolver creates a resolver that accepts any value and renders env
// templates with it
func FuncResolver(env map[string]string) Resolver {
	if env == nil {
		env = make(map[string]string)
	}
	return Resolver{Env: env}
}

// IsTable reports whether the resolver restricts the accepted values
func (r Resolver) IsTable() bool {
	return r.Values != nil
}

// AllowedValues returns the sorted accepted values of a table resolver
func (r Resolver) AllowedValues() []string {
	return slices.Sorted(maps.Keys(r.Values))
}

// Resolve returns the overlay for the value. The returned overlay is a copy.
func (r Resolver) Resolve(value string) (Overlay, bool) {
	if r.IsTable() {
		o, ok := r.Values[value]
		if !ok {
			return nil, false
		}
		return maps.Clone(o), true
	}
	rt := make(Overlay, len(r.Env))
	for k, tmpl := range r.Env {
		rt[k] = strings.ReplaceAll(tmpl, ValuePlaceholder, value)
	}
	return rt, true
}

func (r Resolver) validate() error {
	switch {
	case r.Values != nil && r.Env != nil:
		return fmt.Errorf("both values and env are set")
	case r.Values == nil && r.Env == nil:
		return fmt.Errorf("one of values or env is required")
	}
	return nil
}

// FigureOfMerit declares how to derive a named score from an output file.
// Exactly one of Field or Function is set.
type FigureOfMerit struct {
	File     string `json:"file" yaml:"file" toml:"file"`
	Field    string `json:"field,omitempty" yaml:"field,omitempty" toml:"field,omitempty"`
	Function string `json:"function,omitempty" yaml:"function,omitempty" toml:"function,omitempty"`
	Name     string `json:"name" yaml:"name" toml:"name"`
}

func (f FigureOfMerit) validate() error {
	if f.File == "" {
		return fmt.Errorf("file is required")
	}
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if (f.Field == "") == (f.Function == "") {
		return fmt.Errorf("exactly one of field or function is required")
	}
	return nil
}

// LabSpec is the assignment descriptor. It is never modified after Load.
type LabSpec struct {
	LabName        string              `json:"lab_name"`
	Repo           string              `json:"repo"`
	InputFiles     []string            `json:"input_files"`
	OutputFiles    []string            `json:"output_files"`
	RunCmd         []string            `json:"run_cmd"`
	CleanCmd       []string            `json:"clean_cmd"`
	Env            []string            `json:"env"`
	ValidOptions   map[string]Resolver `json:"valid_options"`
	DefaultOptions map[string]string   `json:"default_options"`
	ReferenceTag   string              `json:"reference_tag"`
	TimeLimit      float64             `json:"time_limit"` // seconds
	FiguresOfMerit []FigureOfMerit     `json:"figures_of_merit"`
}

// Deadline returns the wall clock time limit of a run
func (s *LabSpec) Deadline() time.Duration {
	return time.Duration(s.TimeLimit * float64(time.Second))
}

// Validate checks the structural constraints which the schema alone does
// not express
func (s *LabSpec) Validate() error {
	if len(s.RunCmd) == 0 {
		return &InvalidSpecError{Field: "run_cmd", Reason: "empty command"}
	}
	if s.TimeLimit <= 0 {
		return &InvalidSpecError{Field: "time_limit", Reason: "must be positive"}
	}
	for _, f := range s.InputFiles {
		if err := checkRelPath(f); err != nil {
			return &InvalidSpecError{Field: "input_files", Reason: err.Error()}
		}
	}
	for _, f := range s.OutputFiles {
		if IsStream(f) {
			continue
		}
		if err := checkRelPath(f); err != nil {
			return &InvalidSpecError{Field: "output_files", Reason: err.Error()}
		}
	}
	for k, r := range s.ValidOptions {
		if err := r.validate(); err != nil {
			return &InvalidSpecError{Field: "valid_options", Reason: fmt.Sprintf("%s: %v", k, err)}
		}
	}
	for i, f := range s.FiguresOfMerit {
		if err := f.validate(); err != nil {
			return &InvalidSpecError{Field: "figures_of_merit", Reason: fmt.Sprintf("#%d: %v", i, err)}
		}
	}
	return nil
}
