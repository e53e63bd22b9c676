package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap/zaptest"

	"github.com/archlab/labrunner/envexec"
)

type fakeAPI struct {
	exitCode int64
	hang     bool
	stdout   string
	stderr   string

	config  *container.Config
	host    *container.HostConfig
	killed  bool
	removed bool
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.config, f.host = config, hostConfig
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeAPI) ContainerStart(context.Context, string, types.ContainerStartOptions) error {
	return nil
}

func (f *fakeAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if !f.hang {
		waitCh <- container.WaitResponse{StatusCode: f.exitCode}
		return waitCh, errCh
	}
	go func() {
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return waitCh, errCh
}

func (f *fakeAPI) ContainerKill(context.Context, string, string) error {
	f.killed = true
	return nil
}

func (f *fakeAPI) ContainerLogs(context.Context, string, types.ContainerLogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	io.WriteString(stdcopy.NewStdWriter(&buf, stdcopy.Stdout), f.stdout)
	io.WriteString(stdcopy.NewStdWriter(&buf, stdcopy.Stderr), f.stderr)
	return io.NopCloser(&buf), nil
}

func (f *fakeAPI) ContainerRemove(context.Context, string, types.ContainerRemoveOptions) error {
	f.removed = true
	return nil
}

func TestDockerRunSuccess(t *testing.T) {
	api := &fakeAPI{stdout: "out\n", stderr: "err\n"}
	d := &Docker{API: api, Logger: zaptest.NewLogger(t)}
	var stdout, stderr bytes.Buffer
	st, err := d.Run(context.Background(), Spec{
		Image:      "labrunner:latest",
		HostDir:    "/tmp/work",
		Args:       []string{"labrunner", "run", "--local"},
		Privileged: true,
		TimeLimit:  time.Second,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	if err != nil || st != envexec.StatusSuccess {
		t.Fatalf("run: %v %v", st, err)
	}
	if stdout.String() != "out\n" || stderr.String() != "err\n" {
		t.Errorf("logs: %q %q", stdout.String(), stderr.String())
	}
	if got := api.host.Binds; len(got) != 1 || got[0] != "/tmp/work:"+MountPoint {
		t.Errorf("binds: %v", got)
	}
	if !api.host.Privileged {
		t.Error("expected privileged container")
	}
	if api.config.WorkingDir != MountPoint || strings.Join(api.config.Cmd, " ") != "labrunner run --local" {
		t.Errorf("config: %+v", api.config)
	}
	if !api.removed {
		t.Error("container not removed")
	}
}

func TestDockerRunNonZero(t *testing.T) {
	api := &fakeAPI{exitCode: 2, stderr: "boom"}
	d := &Docker{API: api, Logger: zaptest.NewLogger(t)}
	var stderr bytes.Buffer
	st, err := d.Run(context.Background(), Spec{Image: "x", HostDir: "/w", Stderr: &stderr})
	if st != envexec.StatusError || err == nil {
		t.Fatalf("expected error status, got %v %v", st, err)
	}
	if stderr.String() != "boom" {
		t.Errorf("stderr: %q", stderr.String())
	}
}

func TestDockerRunNestedStatus(t *testing.T) {
	tests := []struct {
		code int64
		want envexec.Status
	}{
		{int64(ExitCode(envexec.StatusMissingOutput)), envexec.StatusSuccess},
		{int64(ExitCode(envexec.StatusTimeout)), envexec.StatusTimeout},
		{int64(ExitCode(envexec.StatusError)), envexec.StatusError},
	}
	for _, tc := range tests {
		d := &Docker{API: &fakeAPI{exitCode: tc.code}, Logger: zaptest.NewLogger(t)}
		st, _ := d.Run(context.Background(), Spec{Image: "x", HostDir: "/w"})
		if st != tc.want {
			t.Errorf("exit %d: got %v, want %v", tc.code, st, tc.want)
		}
	}
}

func TestDockerRunTimeout(t *testing.T) {
	api := &fakeAPI{hang: true, stdout: "partial"}
	d := &Docker{API: api, Logger: zaptest.NewLogger(t)}
	var stdout bytes.Buffer
	st, err := d.Run(context.Background(), Spec{Image: "x", HostDir: "/w", TimeLimit: 50 * time.Millisecond, Stdout: &stdout})
	if st != envexec.StatusTimeout || err != nil {
		t.Fatalf("expected timeout, got %v %v", st, err)
	}
	if !api.killed || !api.removed {
		t.Errorf("killed=%v removed=%v", api.killed, api.removed)
	}
	if stdout.String() != "partial" {
		t.Errorf("stdout: %q", stdout.String())
	}
}

func TestDockerRunCanceled(t *testing.T) {
	api := &fakeAPI{hang: true}
	d := &Docker{API: api, Logger: zaptest.NewLogger(t)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := d.Run(ctx, Spec{Image: "x", HostDir: "/w", TimeLimit: time.Minute})
	if st != envexec.StatusError || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v %v", st, err)
	}
	if api.killed {
		t.Error("canceled run should not be reported as a kill on timeout")
	}
}
