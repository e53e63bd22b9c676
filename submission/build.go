package submission

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/archlab/labrunner/labspec"
	"github.com/archlab/labrunner/option"
)

// DefaultConfigFile holds per-user option choices, one key=value per line
const DefaultConfigFile = "config"

// safeEnvValue is the character class allowed in passthrough variables
var safeEnvValue = regexp.MustCompile(`^[a-zA-Z0-9_\-. ]*$`)

// UnsafeEnvError rejects a passthrough variable with unexpected characters
type UnsafeEnvError struct {
	Name  string
	Value string
}

func (e *UnsafeEnvError) Error() string {
	return fmt.Sprintf("environment variable %q has a potentially unsafe value %q: imported environment variables can only contain characters from [a-zA-Z0-9_-. ]", e.Name, e.Value)
}

// BuildConfig defines where a submission is read from
type BuildConfig struct {
	// Dir is the student's working tree
	Dir string

	// Options holds key=value choices from the command line
	Options []string

	// ConfigFile holds key=value choices, relative to Dir. Empty disables it.
	ConfigFile string

	// LookupEnv reads the ambient environment, os.LookupEnv by default
	LookupEnv func(string) (string, bool)

	Logger *zap.Logger
}

// Build reads the descriptor, the input files, the passthrough variables and
// the option choices from the working tree
func Build(c BuildConfig) (*Submission, error) {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lookupEnv := c.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	spec, err := labspec.Load(c.Dir)
	if err != nil {
		return nil, err
	}

	files := make(map[string]string, len(spec.InputFiles))
	for _, f := range spec.InputFiles {
		p := filepath.Join(c.Dir, f)
		logger.Debug("reading input file", zap.String("path", p))
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		files[f] = string(b)
	}

	env := make(labspec.Overlay)
	for _, name := range spec.Env {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		if !safeEnvValue.MatchString(v) {
			return nil, &UnsafeEnvError{Name: name, Value: v}
		}
		env[name] = v
	}

	options := make(map[string]string)
	if c.ConfigFile != "" {
		if err := readConfigFile(filepath.Join(c.Dir, c.ConfigFile), options, logger); err != nil {
			return nil, err
		}
	}
	for _, o := range c.Options {
		logger.Debug("parsing option from command line", zap.String("option", o))
		k, v, err := option.ParseAssignment(o)
		if err != nil {
			return nil, err
		}
		options[k] = v
	}

	return New(spec, files, env, options), nil
}

// RestrictEnv drops every variable of Env that is not one of the
// passthrough names and checks the remaining values like Build does. It is
// applied to submissions received from elsewhere before options are parsed.
func (s *Submission) RestrictEnv(names []string) error {
	env := make(labspec.Overlay, len(names))
	for _, name := range names {
		v, ok := s.Env[name]
		if !ok {
			continue
		}
		if !safeEnvValue.MatchString(v) {
			return &UnsafeEnvError{Name: name, Value: v}
		}
		env[name] = v
	}
	s.Env = env
	return nil
}

// readConfigFile parses key=value lines in dotenv syntax, # starts a
// comment. A missing file is not an error.
func readConfigFile(p string, options map[string]string, logger *zap.Logger) error {
	m, err := godotenv.Read(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%s: %w", p, err)
	}
	for k, v := range m {
		logger.Debug("parsing option from config file", zap.String("key", k), zap.String("value", v))
		options[k] = v
	}
	return nil
}
