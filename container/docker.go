// Package container runs a nested grading engine inside a Docker container.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/archlab/labrunner/envexec"
)

// MountPoint is where the work directory appears inside the container
const MountPoint = "/runner"

// cleanupTimeout bounds kill / logs / remove calls issued after the run
// context is gone
const cleanupTimeout = 30 * time.Second

// Spec defines a single container run
type Spec struct {
	Image      string
	HostDir    string   // bind mounted at MountPoint
	Args       []string // command inside the container
	Env        []string
	Privileged bool
	TimeLimit  time.Duration

	Stdout io.Writer
	Stderr io.Writer
}

// Runtime runs a spec to completion
type Runtime interface {
	Run(ctx context.Context, s Spec) (envexec.Status, error)
}

// API is the subset of the Docker Engine client used by Docker
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options types.ContainerLogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

// Docker runs specs through the Docker Engine API
type Docker struct {
	API    API
	Logger *zap.Logger
}

// NewDocker creates a runtime connected with the environment settings
// (DOCKER_HOST etc.)
func NewDocker(logger *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{API: cli, Logger: logger}, nil
}

// Run creates the container, waits for it within the time limit and
// copies its logs to Stdout and Stderr. The container is always removed.
func (d *Docker) Run(ctx context.Context, s Spec) (envexec.Status, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := "labrunner-" + uuid.NewString()

	resp, err := d.API.ContainerCreate(ctx,
		&container.Config{
			Image:        s.Image,
			Cmd:          s.Args,
			Env:          s.Env,
			WorkingDir:   MountPoint,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          false,
		},
		&container.HostConfig{
			Binds:      []string{s.HostDir + ":" + MountPoint},
			Privileged: s.Privileged,
		}, nil, nil, name)
	if err != nil {
		return envexec.StatusError, fmt.Errorf("create container: %w", err)
	}
	logger.Debug("container created", zap.String("name", name), zap.String("id", resp.ID), zap.String("image", s.Image), zap.Strings("args", s.Args))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := d.API.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			logger.Warn("remove container failed", zap.String("id", resp.ID), zap.Error(err))
		}
	}()

	runCtx := ctx
	if s.TimeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.TimeLimit)
		defer cancel()
	}

	// register before start so that a fast exit is not missed
	waitCh, errCh := d.API.ContainerWait(runCtx, resp.ID, container.WaitConditionNextExit)
	if err := d.API.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return envexec.StatusError, fmt.Errorf("start container: %w", err)
	}

	status, runErr := envexec.StatusSuccess, error(nil)
	select {
	case w := <-waitCh:
		switch {
		case w.Error != nil:
			status, runErr = envexec.StatusError, fmt.Errorf("wait container: %s", w.Error.Message)
		default:
			status = StatusFromExit(w.StatusCode)
			if status == envexec.StatusError {
				runErr = fmt.Errorf("container exited with status %d", w.StatusCode)
			}
		}
	case err := <-errCh:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			logger.Error("container execution timed out", zap.String("id", resp.ID), zap.Duration("limit", s.TimeLimit))
			kctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			if err := d.API.ContainerKill(kctx, resp.ID, "SIGKILL"); err != nil {
				logger.Warn("kill container failed", zap.String("id", resp.ID), zap.Error(err))
			}
			cancel()
			status = envexec.StatusTimeout
		} else {
			status, runErr = envexec.StatusError, fmt.Errorf("wait container: %w", err)
		}
	}

	if err := d.copyLogs(resp.ID, s.Stdout, s.Stderr); err != nil {
		logger.Warn("collect container logs failed", zap.String("id", resp.ID), zap.Error(err))
	}
	return status, runErr
}

func (d *Docker) copyLogs(id string, stdout, stderr io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	rc, err := d.API.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer rc.Close()
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	_, err = stdcopy.StdCopy(stdout, stderr, rc)
	return err
}
