package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/archlab/labrunner/runner"
)

func cleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "run the clean command of the lab",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger, err := initLogger(cmd.Bool("verbose"), cmd.Bool("release"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			r := &runner.Runner{Logger: logger}
			return r.Clean(ctx, cmd.String("dir"), os.Stdout, os.Stderr)
		},
	}
}
