package submission

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/archlab/labrunner/labspec"
	"github.com/archlab/labrunner/option"
)

const labYAML = `
repo: https://example.com/lab.git
reference_tag: v1
input_files: [src/main.c]
output_files: [STDOUT, out.csv]
run_cmd: [make]
env: [SEED, NAME]
valid_options:
  OPT:
    values:
      fast: {CFLAGS: "-O3"}
  MHz:
    env: {MHz: "${value}"}
`

func newTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	must(t, os.WriteFile(filepath.Join(dir, labspec.YAMLFileName), []byte(labYAML), 0o644))
	must(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	must(t, os.WriteFile(filepath.Join(dir, "src/main.c"), []byte("int main() {}\n"), 0o644))
	return dir
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestBuild(t *testing.T) {
	dir := newTree(t)
	must(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("# defaults\nOPT=fast\n\nMHz=1200\n"), 0o644))

	s, err := Build(BuildConfig{
		Dir:        dir,
		Options:    []string{"MHz=2400"},
		ConfigFile: DefaultConfigFile,
		LookupEnv:  envFrom(map[string]string{"SEED": "42", "OTHER": "x"}),
		Logger:     zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Files["src/main.c"] != "int main() {}\n" {
		t.Errorf("files = %v", s.Files)
	}
	if !reflect.DeepEqual(s.Env, labspec.Overlay{"SEED": "42"}) {
		t.Errorf("env = %v", s.Env)
	}
	want := map[string]string{"OPT": "fast", "MHz": "2400"}
	if !reflect.DeepEqual(s.Options, want) {
		t.Errorf("options = %v, want %v", s.Options, want)
	}
}

func TestBuildUnsafeEnv(t *testing.T) {
	dir := newTree(t)
	_, err := Build(BuildConfig{
		Dir:       dir,
		LookupEnv: envFrom(map[string]string{"NAME": "x; rm -rf /"}),
	})
	var ue *UnsafeEnvError
	if !errors.As(err, &ue) || ue.Name != "NAME" {
		t.Fatalf("expected UnsafeEnvError, got %v", err)
	}
}

func TestBuildMissingInput(t *testing.T) {
	dir := newTree(t)
	must(t, os.Remove(filepath.Join(dir, "src/main.c")))
	if _, err := Build(BuildConfig{Dir: dir, LookupEnv: envFrom(nil)}); err == nil {
		t.Fatal("expected error for missing input file")
	}
}

func TestBuildBadOption(t *testing.T) {
	dir := newTree(t)
	if _, err := Build(BuildConfig{Dir: dir, Options: []string{"OPT"}, LookupEnv: envFrom(nil)}); err == nil {
		t.Fatal("expected error for malformed option")
	}
}

func TestParseOptions(t *testing.T) {
	dir := newTree(t)
	s, err := Build(BuildConfig{Dir: dir, Options: []string{"OPT=fast", "MHz=1800"}, LookupEnv: envFrom(nil)})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := s.ParseOptions(); err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if s.Env["CFLAGS"] != "-O3" || s.Env["MHz"] != "1800" {
		t.Errorf("env = %v", s.Env)
	}

	s.Options["OPT"] = "slow"
	var ie *option.InvalidOptionError
	if err := s.ParseOptions(); !errors.As(err, &ie) {
		t.Errorf("expected InvalidOptionError, got %v", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	dir := newTree(t)
	s, err := Build(BuildConfig{Dir: dir, Options: []string{"OPT=fast"}, LookupEnv: envFrom(map[string]string{"SEED": "7"})})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := s.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	got, err := FromJSON(b)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, s)
	}
}

func TestFromJSONFillsNil(t *testing.T) {
	s, err := FromJSON([]byte(`{"lab_spec": null}`))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if s.Files == nil || s.Env == nil || s.Options == nil {
		t.Errorf("nil maps not filled: %+v", s)
	}
}

func TestRestrictEnv(t *testing.T) {
	s := New(nil, nil, labspec.Overlay{"SEED": "42", "LD_PRELOAD": "/tmp/x.so", "PATH": "/tmp"}, nil)
	if err := s.RestrictEnv([]string{"SEED", "THREADS"}); err != nil {
		t.Fatalf("RestrictEnv: %v", err)
	}
	if !reflect.DeepEqual(s.Env, labspec.Overlay{"SEED": "42"}) {
		t.Errorf("env = %v", s.Env)
	}

	s = New(nil, nil, labspec.Overlay{"SEED": "1; rm -rf /"}, nil)
	var ue *UnsafeEnvError
	if err := s.RestrictEnv([]string{"SEED"}); !errors.As(err, &ue) || ue.Name != "SEED" {
		t.Fatalf("expected UnsafeEnvError, got %v", err)
	}
}
