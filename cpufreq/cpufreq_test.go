package cpufreq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/archlab/labrunner/labspec"
)

const statOutput = "analyzing CPU 0:\n  2400000:120, 2401000:3, 1800000:45, 1200000:9\n"

type fakeCommander struct {
	missing bool
	current int
	calls   []string
}

func (f *fakeCommander) LookPath(file string) (string, error) {
	if f.missing {
		return "", errors.New("not found")
	}
	return "/usr/bin/" + file, nil
}

func (f *fakeCommander) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	call := strings.Join(args, " ")
	f.calls = append(f.calls, call)
	switch {
	case call == "frequency-info -s":
		return []byte(statOutput), nil
	case strings.HasPrefix(call, "frequency-set --freq "):
		fmt.Sscanf(args[2], "%dMHz", &f.current)
		return nil, nil
	case call == "frequency-info -w":
		return []byte(fmt.Sprintf("analyzing CPU 0:\n  current CPU frequency: %d000 (asserted by call to hardware)\n", f.current)), nil
	}
	return nil, fmt.Errorf("unexpected call %q", call)
}

func TestApplyMissingTool(t *testing.T) {
	c := &fakeCommander{missing: true}
	p := &Policy{Commander: c, Logger: zaptest.NewLogger(t)}
	env := labspec.Overlay{}
	if err := p.Apply(context.Background(), env); err != nil {
		t.Fatalf("expected missing tool to be skipped, got %v", err)
	}
	if len(env) != 0 || len(c.calls) != 0 {
		t.Errorf("unexpected side effects: env=%v calls=%v", env, c.calls)
	}
}

func TestApplySelectsMaximum(t *testing.T) {
	c := &fakeCommander{}
	p := &Policy{Commander: c, Logger: zaptest.NewLogger(t)}
	env := labspec.Overlay{}
	if err := p.Apply(context.Background(), env); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := env[AvailableEnv]; got != "2400 1800 1200" {
		t.Errorf("%s = %q", AvailableEnv, got)
	}
	if c.current != 2400 {
		t.Errorf("frequency set to %d, want 2400", c.current)
	}
}

func TestApplyRequested(t *testing.T) {
	c := &fakeCommander{}
	p := &Policy{Commander: c, Logger: zaptest.NewLogger(t)}
	env := labspec.Overlay{RequestEnv: "1800"}
	if err := p.Apply(context.Background(), env); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c.current != 1800 {
		t.Errorf("frequency set to %d, want 1800", c.current)
	}
}

func TestApplyUnsupportedRequest(t *testing.T) {
	c := &fakeCommander{}
	p := &Policy{Commander: c, Logger: zaptest.NewLogger(t)}
	for _, req := range []string{"2401", "fast"} {
		err := p.Apply(context.Background(), labspec.Overlay{RequestEnv: req})
		var he *HardwarePolicyError
		if !errors.As(err, &he) {
			t.Errorf("%s: expected HardwarePolicyError, got %v", req, err)
		}
	}
}

func TestParseFrequencies(t *testing.T) {
	if _, err := parseFrequencies("garbage\n"); err == nil {
		t.Errorf("expected error for unexpected header")
	}
	if _, err := parseFrequencies("analyzing CPU 0:\n  n/a\n"); err == nil {
		t.Errorf("expected error for unparsable entry")
	}
	got, err := parseFrequencies(statOutput)
	if err != nil {
		t.Fatalf("parseFrequencies: %v", err)
	}
	if fmt.Sprint(got) != "[2400 1800 1200]" {
		t.Errorf("got %v", got)
	}
}
