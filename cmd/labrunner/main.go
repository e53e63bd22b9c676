// Command labrunner grades the lab in the current working tree, either
// locally, in a pristine checkout, inside a container or on a remote
// grading host.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/archlab/labrunner/pkg/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "labrunner",
		Usage:   "run and grade a lab submission",
		Version: version.Version,
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			// .env is optional
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return ctx, fmt.Errorf("load .env: %w", err)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			runCommand(),
			cleanCommand(),
		},
	}
}
