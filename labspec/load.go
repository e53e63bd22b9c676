package labspec

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/google/shlex"
	"github.com/pelletier/go-toml/v2"
)

// Descriptor file names searched in an assignment directory, in order
const (
	YAMLFileName = "lab.yaml"
	TOMLFileName = "lab.toml"
)

// Defaults of the optional fields
const (
	DefaultLabName   = "<unnamed>"
	DefaultTimeLimit = 30
)

// DefaultCleanCmd is the no-op clean command
var DefaultCleanCmd = []string{"true"}

// rawSpec mirrors the file schema. Pointer and interface fields distinguish
// absent fields from zero values.
type rawSpec struct {
	LabName        *string              `yaml:"lab_name" toml:"lab_name"`
	Repo           *string              `yaml:"repo" toml:"repo"`
	InputFiles     *[]string            `yaml:"input_files" toml:"input_files"`
	OutputFiles    *[]string            `yaml:"output_files" toml:"output_files"`
	RunCmd         any                  `yaml:"run_cmd" toml:"run_cmd"`
	CleanCmd       any                  `yaml:"clean_cmd" toml:"clean_cmd"`
	Env            *[]string            `yaml:"env" toml:"env"`
	ValidOptions   *map[string]Resolver `yaml:"valid_options" toml:"valid_options"`
	DefaultOptions *map[string]string   `yaml:"default_options" toml:"default_options"`
	ReferenceTag   *string              `yaml:"reference_tag" toml:"reference_tag"`
	TimeLimit      any                  `yaml:"time_limit" toml:"time_limit"`
	FiguresOfMerit *[]FigureOfMerit     `yaml:"figures_of_merit" toml:"figures_of_merit"`
}

// Load reads the descriptor file in dir. Required fields missing from the
// file fail with MissingFieldError, optional fields take their defaults.
//
// Only call Load on a trusted (pristine) tree when grading on behalf of
// somebody else: the descriptor decides how the submission is judged.
func Load(dir string) (*LabSpec, error) {
	raw, err := readRaw(dir)
	if err != nil {
		return nil, err
	}
	return raw.build()
}

func readRaw(dir string) (*rawSpec, error) {
	var raw rawSpec
	p := filepath.Join(dir, YAMLFileName)
	d, err := os.ReadFile(p)
	if err == nil {
		if err := yaml.Unmarshal(d, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		return &raw, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	p = filepath.Join(dir, TOMLFileName)
	d, err = os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no %s or %s in %s: %w", YAMLFileName, TOMLFileName, dir, err)
		}
		return nil, err
	}
	if err := toml.Unmarshal(d, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	return &raw, nil
}

func (r *rawSpec) build() (*LabSpec, error) {
	s := &LabSpec{
		LabName:        DefaultLabName,
		CleanCmd:       DefaultCleanCmd,
		Env:            []string{},
		ValidOptions:   map[string]Resolver{},
		DefaultOptions: map[string]string{},
		TimeLimit:      DefaultTimeLimit,
		FiguresOfMerit: []FigureOfMerit{},
	}

	// required
	if r.OutputFiles == nil {
		return nil, &MissingFieldError{Field: "output_files"}
	}
	s.OutputFiles = *r.OutputFiles
	if r.InputFiles == nil {
		return nil, &MissingFieldError{Field: "input_files"}
	}
	s.InputFiles = *r.InputFiles
	if r.RunCmd == nil {
		return nil, &MissingFieldError{Field: "run_cmd"}
	}
	runCmd, err := toCommand(r.RunCmd)
	if err != nil {
		return nil, &InvalidSpecError{Field: "run_cmd", Reason: err.Error()}
	}
	s.RunCmd = runCmd
	if r.Repo == nil {
		return nil, &MissingFieldError{Field: "repo"}
	}
	s.Repo = *r.Repo
	if r.ReferenceTag == nil {
		return nil, &MissingFieldError{Field: "reference_tag"}
	}
	s.ReferenceTag = *r.ReferenceTag

	// optional
	if r.LabName != nil {
		s.LabName = *r.LabName
	}
	if r.CleanCmd != nil {
		cleanCmd, err := toCommand(r.CleanCmd)
		if err != nil {
			return nil, &InvalidSpecError{Field: "clean_cmd", Reason: err.Error()}
		}
		s.CleanCmd = cleanCmd
	}
	if r.Env != nil {
		s.Env = *r.Env
	}
	if r.ValidOptions != nil {
		s.ValidOptions = *r.ValidOptions
	}
	if r.DefaultOptions != nil {
		s.DefaultOptions = *r.DefaultOptions
	}
	if r.TimeLimit != nil {
		t, err := toSeconds(r.TimeLimit)
		if err != nil {
			return nil, &InvalidSpecError{Field: "time_limit", Reason: err.Error()}
		}
		s.TimeLimit = t
	}
	if r.FiguresOfMerit != nil {
		s.FiguresOfMerit = *r.FiguresOfMerit
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// toCommand accepts either an argv list or a single shell-like string
func toCommand(v any) ([]string, error) {
	switch c := v.(type) {
	case string:
		return shlex.Split(c)
	case []any:
		rt := make([]string, 0, len(c))
		for _, a := range c {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("argument %v is not a string", a)
			}
			rt = append(rt, s)
		}
		return rt, nil
	case []string:
		return c, nil
	default:
		return nil, fmt.Errorf("expected a list or a string, got %T", v)
	}
}

func toSeconds(v any) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("expected a number of seconds, got %T", v)
	}
}

func checkRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return fmt.Errorf("%s: absolute path", p)
	}
	c := path.Clean(filepath.ToSlash(p))
	if c == ".." || strings.HasPrefix(c, "../") {
		return fmt.Errorf("%s: escapes the work directory", p)
	}
	return nil
}
