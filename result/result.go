// Package result defines the outcome of grading one submission.
package result

import (
	"encoding/json"
	"fmt"

	"github.com/archlab/labrunner/envexec"
	"github.com/archlab/labrunner/submission"
)

// MissingFileContent is captured for a declared output which was not produced
const MissingFileContent = "<This output file did not exist>"

// Figure is a named figure of merit. Value is nil when it could not be
// derived from the captured outputs.
type Figure struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
}

// Result is the outcome of a run. It is immutable once created.
type Result struct {
	Submission     *submission.Submission `json:"submission"`
	Files          map[string]string      `json:"files"`
	Status         envexec.Status         `json:"status"`
	FiguresOfMerit []Figure               `json:"figures_of_merit"`
}

// New creates a result and derives its figures of merit from files
func New(sub *submission.Submission, files map[string]string, status envexec.Status) *Result {
	r := &Result{
		Submission:     sub,
		Files:          files,
		Status:         status,
		FiguresOfMerit: []Figure{},
	}
	if sub != nil && sub.LabSpec != nil {
		r.FiguresOfMerit = ExtractFigures(sub.LabSpec.FiguresOfMerit, files)
	}
	return r
}

// Figure returns the figure of merit with the given name
func (r *Result) Figure(name string) (Figure, bool) {
	for _, f := range r.FiguresOfMerit {
		if f.Name == name {
			return f, true
		}
	}
	return Figure{}, false
}

// FromJSON decodes a result received from a grading host. The figures of
// merit are taken as computed by the host.
func FromJSON(b []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if r.Status == envexec.StatusInvalid {
		return nil, fmt.Errorf("decode result: missing status")
	}
	if r.Files == nil {
		r.Files = make(map[string]string)
	}
	if r.FiguresOfMerit == nil {
		r.FiguresOfMerit = []Figure{}
	}
	return &r, nil
}
