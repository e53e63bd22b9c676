//go:build unix

package envexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitDelay bounds how long Wait keeps draining output after the process
// group was killed
const waitDelay = 2 * time.Second

// Cmd defines a single child process to run
type Cmd struct {
	// exec argument, environment
	Args []string
	Env  []string // complete environment of the child, see MergeEnv

	// Dir is the working directory
	Dir string

	// TimeLimit is the wall clock limit, zero means no limit
	TimeLimit time.Duration

	// Stdout and Stderr receive the process output
	Stdout io.Writer
	Stderr io.Writer
}

// Run starts the cmd and waits for it to finish or to exceed its time
// limit. On timeout the whole process group is killed and its remaining
// output is drained before returning StatusTimeout with a nil error.
// A non-zero exit or a failure to start returns StatusError with the cause.
func Run(ctx context.Context, c Cmd) (Status, error) {
	if len(c.Args) == 0 {
		return StatusError, errors.New("run: empty command")
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdin = nil
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	if c.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.TimeLimit)
		defer cancel()
	}

	restore := saveTerminal()
	if err := cmd.Start(); err != nil {
		return StatusError, fmt.Errorf("start %q: %w", c.Args, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			return StatusError, fmt.Errorf("run %q: %w", c.Args, err)
		}
		return StatusSuccess, nil

	case <-ctx.Done():
		killGroup(cmd.Process.Pid)
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// a timed out child may leave the terminal in raw mode
			restore()
			return StatusTimeout, nil
		}
		return StatusError, fmt.Errorf("run %q: %w", c.Args, ctx.Err())
	}
}

func killGroup(pid int) {
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		unix.Kill(pid, unix.SIGKILL)
	}
}
