// Package submission bundles a student's input files, environment and
// option choices with the assignment descriptor they are graded against.
package submission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/archlab/labrunner/cpufreq"
	"github.com/archlab/labrunner/labspec"
	"github.com/archlab/labrunner/option"
)

// Submission is created by Build, mutated by option application and then
// consumed read-only by the runner. It must not be shared between runs.
type Submission struct {
	LabSpec *labspec.LabSpec  `json:"lab_spec"`
	Files   map[string]string `json:"files"`
	Env     labspec.Overlay   `json:"env"`
	Options map[string]string `json:"options"`
}

// New creates a submission, nil maps are replaced with empty ones
func New(spec *labspec.LabSpec, files map[string]string, env labspec.Overlay, options map[string]string) *Submission {
	s := &Submission{
		LabSpec: spec,
		Files:   files,
		Env:     env,
		Options: options,
	}
	s.fillNil()
	return s
}

func (s *Submission) fillNil() {
	if s.Files == nil {
		s.Files = make(map[string]string)
	}
	if s.Env == nil {
		s.Env = make(labspec.Overlay)
	}
	if s.Options == nil {
		s.Options = make(map[string]string)
	}
}

// ParseOptions validates the options and the descriptor defaults and merges
// the resolved overlays into Env
func (s *Submission) ParseOptions() error {
	if s.LabSpec == nil {
		return fmt.Errorf("submission has no lab spec")
	}
	return option.Apply(s.Env, s.Options, s.LabSpec.ValidOptions, s.LabSpec.DefaultOptions)
}

// ApplyOptions applies the hardware policy of the options to the machine
func (s *Submission) ApplyOptions(ctx context.Context, p *cpufreq.Policy) error {
	return p.Apply(ctx, s.Env)
}

// FromJSON decodes the transport form of a submission
func FromJSON(b []byte) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	s.fillNil()
	return &s, nil
}

// JSON encodes the transport form of a submission
func (s *Submission) JSON() ([]byte, error) {
	return json.Marshal(s)
}
