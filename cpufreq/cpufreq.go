// Package cpufreq negotiates the CPU clock frequency for a run with the
// cpupower utility.
package cpufreq

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/archlab/labrunner/labspec"
)

const (
	// AvailableEnv receives the space separated list of supported frequencies
	AvailableEnv = "ARCHLAB_AVAILABLE_CPU_FREQUENCIES"
	// RequestEnv holds the requested frequency in MHz, if any
	RequestEnv = "MHz"

	defaultTool = "cpupower"
)

var statEntry = regexp.MustCompile(`(\d+):(\d+)`)

// HardwarePolicyError reports a failure to read or set the CPU frequency
type HardwarePolicyError struct {
	Reason string
	Err    error
}

func (e *HardwarePolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cpu frequency policy: %s: %v", e.Reason, e.Err)
	}
	return "cpu frequency policy: " + e.Reason
}

func (e *HardwarePolicyError) Unwrap() error {
	return e.Err
}

// Commander runs the external utility
type Commander interface {
	LookPath(file string) (string, error)
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommander struct{}

func (execCommander) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (execCommander) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Policy applies the frequency policy to an environment overlay
type Policy struct {
	Tool      string // default cpupower
	Commander Commander
	Logger    *zap.Logger
}

// New creates a policy backed by the cpupower binary in PATH
func New(logger *zap.Logger) *Policy {
	return &Policy{
		Tool:      defaultTool,
		Commander: execCommander{},
		Logger:    logger,
	}
}

// Apply publishes the supported frequencies into env and sets the clock to
// the requested frequency (env[MHz]) or to the highest supported one.
// A missing utility is only logged.
func (p *Policy) Apply(ctx context.Context, env labspec.Overlay) error {
	tool := p.Tool
	if tool == "" {
		tool = defaultTool
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := p.Commander.LookPath(tool); err != nil {
		logger.Warn("cpupower utility is not available, clock speed setting will not work", zap.String("tool", tool))
		return nil
	}

	out, err := p.Commander.Output(ctx, tool, "frequency-info", "-s")
	if err != nil {
		return &HardwarePolicyError{Reason: "extract frequency list", Err: err}
	}
	freqs, err := parseFrequencies(string(out))
	if err != nil {
		return err
	}
	env[AvailableEnv] = joinInts(freqs)

	supported := mapset.NewSet(freqs...)
	target := slices.Max(freqs)
	if req, ok := env[RequestEnv]; ok {
		mhz, err := strconv.Atoi(strings.TrimSpace(req))
		if err != nil || !supported.Contains(mhz) {
			return &HardwarePolicyError{Reason: fmt.Sprintf("unsupported frequency in %q: %s", RequestEnv, req)}
		}
		target = mhz
	}
	logger.Debug("setting cpu frequency", zap.Int("MHz", target), zap.Ints("available", freqs))

	if _, err := p.Commander.Output(ctx, tool, "frequency-set", "--freq", fmt.Sprintf("%dMHz", target)); err != nil {
		return &HardwarePolicyError{Reason: fmt.Sprintf("set frequency to %dMHz", target), Err: err}
	}
	out, err = p.Commander.Output(ctx, tool, "frequency-info", "-w")
	if err != nil {
		return &HardwarePolicyError{Reason: fmt.Sprintf("verify frequency %dMHz", target), Err: err}
	}
	lines := strings.Split(string(out), "\n")
	if len(lines) < 2 || !strings.Contains(lines[1], fmt.Sprintf("%d000", target)) {
		return &HardwarePolicyError{Reason: fmt.Sprintf("frequency was not set to %dMHz: %q", target, strings.TrimSpace(string(out)))}
	}
	return nil
}

// parseFrequencies reads `cpupower frequency-info -s` output. Entries are
// kHz:count pairs; values that are not a multiple of 10MHz are reporting
// artifacts and are dropped.
func parseFrequencies(out string) ([]int, error) {
	lines := strings.Split(out, "\n")
	if len(lines) < 2 || !strings.Contains(lines[0], "analyzing CPU") {
		return nil, &HardwarePolicyError{Reason: fmt.Sprintf("unexpected cpupower output: %q", out)}
	}
	var rt []int
	for _, f := range strings.Split(lines[1], ", ") {
		m := statEntry.FindStringSubmatch(f)
		if m == nil {
			return nil, &HardwarePolicyError{Reason: fmt.Sprintf("failed to parse cpupower output: %q", f)}
		}
		khz, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, &HardwarePolicyError{Reason: "parse frequency", Err: err}
		}
		if mhz := khz / 1000; mhz%10 == 0 {
			rt = append(rt, mhz)
		}
	}
	if len(rt) == 0 {
		return nil, &HardwarePolicyError{Reason: "no usable frequency reported"}
	}
	return rt, nil
}

func joinInts(v []int) string {
	s := make([]string, 0, len(v))
	for _, i := range v {
		s = append(s, strconv.Itoa(i))
	}
	return strings.Join(s, " ")
}
