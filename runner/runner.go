// Package runner executes one submission end to end and classifies the
// outcome.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/archlab/labrunner/container"
	"github.com/archlab/labrunner/cpufreq"
	"github.com/archlab/labrunner/envexec"
	"github.com/archlab/labrunner/labspec"
	"github.com/archlab/labrunner/option"
	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/submission"
)

// ErrEscalationWithPristine is returned before anything runs when a
// container run is requested for a pristine checkout. The temporary
// directory is not guaranteed to be visible to a sibling container.
var ErrEscalationWithPristine = errors.New("container escalation cannot be combined with a pristine checkout")

// FailureMarker is appended to STDOUT and STDERR when a run ends in ERROR
const FailureMarker = "# Execution failed"

const (
	// DefaultImage is the image used for container escalation
	DefaultImage = "archlab/labrunner:latest"

	// DefaultEscalationSlack is added to the time limit of a container
	// run so the nested engine can hit its own deadline first
	DefaultEscalationSlack = time.Minute

	// DefaultGitTimeout bounds each git command of a pristine checkout
	DefaultGitTimeout = 5 * time.Minute
)

// Options defines how a single run executes
type Options struct {
	// Dir is the caller's working tree, used as is when not pristine.
	// Empty means the current directory.
	Dir string

	// Pristine clones the reference repository into a temporary
	// directory and writes only the declared input files into it
	Pristine bool

	// AllowEscalation runs the command inside a container that re-invokes
	// the engine with escalation disabled
	AllowEscalation bool

	// ApplyHardware applies the hardware frequency policy of the options
	ApplyHardware bool

	// Verbose propagates into the nested run of an escalation
	Verbose bool

	// Image overrides the runner's escalation image
	Image string
}

// Runner is the execution engine. A Runner holds no per-run state and
// may be used by multiple goroutines.
type Runner struct {
	Logger *zap.Logger

	// Container executes escalated runs, nil disables escalation
	Container container.Runtime
	Image     string

	// EscalationSlack is added to the deadline of a container run
	EscalationSlack time.Duration

	// Policy applies the hardware frequency policy, nil uses cpufreq.New
	Policy *cpufreq.Policy

	// Environ returns the ambient environment the child environment is
	// built upon, nil uses os.Environ
	Environ func() []string

	// TempDir is the parent of pristine checkouts, empty uses os.TempDir
	TempDir string

	// Git is the git executable and GitTimeout bounds each git command
	Git        string
	GitTimeout time.Duration
}

// run collects the captured streams and artifacts of a single execution
type run struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
	files  map[string]string
	status envexec.Status
}

// Run executes the submission and returns its result. The returned error
// is non-nil only for an invalid option or ErrEscalationWithPristine; any
// other failure is reported as status ERROR with the diagnostic appended
// to STDERR.
func (r *Runner) Run(ctx context.Context, sub *submission.Submission, opts Options) (*result.Result, error) {
	if opts.Pristine && opts.AllowEscalation {
		return nil, ErrEscalationWithPristine
	}

	x := &run{
		files:  make(map[string]string),
		status: envexec.StatusError,
	}
	err := r.execute(ctx, sub, opts, x)
	if oe := (*option.InvalidOptionError)(nil); errors.As(err, &oe) {
		return nil, err
	}
	if err != nil {
		r.fail(x, err)
	}

	x.files[labspec.Stdout] = x.stdout.String()
	x.files[labspec.Stderr] = x.stderr.String()
	r.logger().Debug("run finished", zap.Stringer("status", x.status), zap.Int("stdout", x.stdout.Len()), zap.Int("stderr", x.stderr.Len()))
	return result.New(sub, x.files, x.status), nil
}

func (r *Runner) fail(x *run, err error) {
	r.logger().Error("execution failed", zap.Error(err))
	fmt.Fprintf(&x.stderr, "%v\n%s\n", err, FailureMarker)
	fmt.Fprintf(&x.stdout, "%s\n", FailureMarker)
	x.status = envexec.StatusError
}

func (r *Runner) execute(ctx context.Context, sub *submission.Submission, opts Options, x *run) error {
	// the ambient environment is read once, before anything runs
	base := r.environ()

	dir, release, err := r.workDir(opts)
	if err != nil {
		return err
	}
	defer release()

	if opts.Pristine {
		if sub.LabSpec == nil {
			return errors.New("pristine run: submission has no lab spec")
		}
		if err := r.checkout(ctx, sub.LabSpec, dir, base, x); err != nil {
			return err
		}
	}

	// the submitted descriptor is never trusted
	spec, err := labspec.Load(dir)
	if err != nil {
		return fmt.Errorf("reload lab spec: %w", err)
	}
	sub.LabSpec = spec

	// only the descriptor's passthrough names reach the child
	if err := sub.RestrictEnv(spec.Env); err != nil {
		return err
	}
	if err := sub.ParseOptions(); err != nil {
		return err
	}
	if opts.ApplyHardware {
		if err := sub.ApplyOptions(ctx, r.policy()); err != nil {
			return err
		}
	}

	if opts.Pristine {
		if err := r.writeInputs(spec, sub.Files, dir); err != nil {
			return err
		}
	}

	var runErr error
	if opts.AllowEscalation {
		x.status, runErr = r.escalate(ctx, sub, opts, dir, x)
	} else {
		x.status, runErr = r.command(ctx, spec.RunCmd, dir, envexec.MergeEnv(base, sub.Env), spec.Deadline(), x)
	}
	// outputs are collected even after a failed run
	return errors.Join(runErr, r.collect(spec, dir, x))
}

// workDir returns the absolute work directory and its release function
func (r *Runner) workDir(opts Options) (string, func(), error) {
	if !opts.Pristine {
		d := opts.Dir
		if d == "" {
			d = "."
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return "", nil, fmt.Errorf("work dir: %w", err)
		}
		return abs, func() {}, nil
	}
	d, err := os.MkdirTemp(r.TempDir, "labrunner-")
	if err != nil {
		return "", nil, fmt.Errorf("create work dir: %w", err)
	}
	return d, func() {
		if err := os.RemoveAll(d); err != nil {
			r.logger().Warn("remove work dir failed", zap.String("dir", d), zap.Error(err))
		}
	}, nil
}

func (r *Runner) checkout(ctx context.Context, spec *labspec.LabSpec, dir string, env []string, x *run) error {
	git := r.Git
	if git == "" {
		git = "git"
	}
	timeout := r.GitTimeout
	if timeout == 0 {
		timeout = DefaultGitTimeout
	}
	steps := [][]string{
		{git, "clone", "--", spec.Repo, dir},
		{git, "-c", "advice.detachedHead=false", "checkout", "--end-of-options", spec.ReferenceTag},
	}
	for _, args := range steps {
		st, err := r.command(ctx, args, dir, env, timeout, x)
		if err != nil {
			return fmt.Errorf("checkout %s@%s: %w", spec.Repo, spec.ReferenceTag, err)
		}
		if st != envexec.StatusSuccess {
			return fmt.Errorf("checkout %s@%s: %v", spec.Repo, spec.ReferenceTag, st)
		}
	}
	return nil
}

func (r *Runner) writeInputs(spec *labspec.LabSpec, files map[string]string, dir string) error {
	for _, f := range spec.InputFiles {
		content, ok := files[f]
		if !ok {
			return fmt.Errorf("input file %q missing from submission", f)
		}
		p := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("write input file %q: %w", f, err)
		}
		r.logger().Debug("writing input file", zap.String("path", p))
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write input file %q: %w", f, err)
		}
	}
	return nil
}

func (r *Runner) command(ctx context.Context, args []string, dir string, env []string, limit time.Duration, x *run) (envexec.Status, error) {
	r.logger().Debug(fmt.Sprintf("# executing %q in %s", args, dir))
	st, err := envexec.Run(ctx, envexec.Cmd{
		Args:      args,
		Env:       env,
		Dir:       dir,
		TimeLimit: limit,
		Stdout:    &x.stdout,
		Stderr:    &x.stderr,
	})
	if st == envexec.StatusTimeout {
		r.logger().Error("execution timed out", zap.Strings("args", args), zap.Duration("limit", limit))
	}
	return st, err
}

// NestedArgs returns the command that re-invokes the engine inside the
// container. The nested run never escalates again.
func NestedArgs(verbose bool, options map[string]string) []string {
	args := []string{"labrunner", "run", "--local", "--apply-options", "--dir", container.MountPoint}
	if verbose {
		args = append(args, "-v")
	}
	for _, k := range slices.Sorted(maps.Keys(options)) {
		args = append(args, k+"="+options[k])
	}
	return args
}

func (r *Runner) escalate(ctx context.Context, sub *submission.Submission, opts Options, dir string, x *run) (envexec.Status, error) {
	if r.Container == nil {
		return envexec.StatusError, errors.New("escalation requested but no container runtime is configured")
	}
	image := opts.Image
	if image == "" {
		image = r.Image
	}
	if image == "" {
		image = DefaultImage
	}
	slack := r.EscalationSlack
	if slack == 0 {
		slack = DefaultEscalationSlack
	}
	s := container.Spec{
		Image:      image,
		HostDir:    dir,
		Args:       NestedArgs(opts.Verbose, sub.Options),
		Env:        sub.Env.Environ(),
		Privileged: true,
		TimeLimit:  sub.LabSpec.Deadline() + slack,
		Stdout:     &x.stdout,
		Stderr:     &x.stderr,
	}
	r.logger().Debug("escalating to container", zap.String("image", image), zap.Strings("args", s.Args))
	return r.Container.Run(ctx, s)
}

// collect reads the declared output files, downgrading a successful run
// to MISSING_OUTPUT when any is absent
func (r *Runner) collect(spec *labspec.LabSpec, dir string, x *run) error {
	for _, name := range spec.OutputFiles {
		if labspec.IsStream(name) {
			continue
		}
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil || !fi.Mode().IsRegular() {
			x.files[name] = result.MissingFileContent
			if x.status == envexec.StatusSuccess {
				x.status = envexec.StatusMissingOutput
			}
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read output file %q: %w", name, err)
		}
		r.logger().Debug("read output file", zap.String("name", name), zap.String("path", p))
		x.files[name] = string(b)
	}
	return nil
}

// Clean runs the descriptor's clean command in dir
func (r *Runner) Clean(ctx context.Context, dir string, stdout, stderr io.Writer) error {
	if dir == "" {
		dir = "."
	}
	spec, err := labspec.Load(dir)
	if err != nil {
		return err
	}
	r.logger().Debug(fmt.Sprintf("# executing %q in %s", spec.CleanCmd, dir))
	st, err := envexec.Run(ctx, envexec.Cmd{
		Args:      spec.CleanCmd,
		Env:       r.environ(),
		Dir:       dir,
		TimeLimit: spec.Deadline(),
		Stdout:    stdout,
		Stderr:    stderr,
	})
	if err != nil {
		return err
	}
	if st != envexec.StatusSuccess {
		return fmt.Errorf("clean: %v", st)
	}
	return nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) environ() []string {
	if r.Environ != nil {
		return r.Environ()
	}
	return os.Environ()
}

func (r *Runner) policy() *cpufreq.Policy {
	if r.Policy != nil {
		return r.Policy
	}
	return cpufreq.New(r.logger())
}
