package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/archlab/labrunner/client"
	"github.com/archlab/labrunner/container"
	"github.com/archlab/labrunner/envexec"
	"github.com/archlab/labrunner/labspec"
	"github.com/archlab/labrunner/result"
	"github.com/archlab/labrunner/runner"
	"github.com/archlab/labrunner/submission"
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "dir",
			Usage:   "lab working tree",
			Value:   ".",
			Sources: cli.EnvVars("LABRUNNER_DIR"),
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "print debug logs",
			Sources: cli.EnvVars("LABRUNNER_VERBOSE"),
		},
		&cli.BoolFlag{
			Name:  "release",
			Usage: "print logs as json",
		},
	}
}

func runCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.BoolFlag{
			Name:  "pristine",
			Usage: "grade a fresh checkout of the lab with only the input files from the working tree",
		},
		&cli.BoolFlag{
			Name:    "docker",
			Usage:   "run inside a container",
			Sources: cli.EnvVars("LABRUNNER_DOCKER"),
		},
		&cli.BoolFlag{
			Name:  "local",
			Usage: "run on this machine, overrides --docker",
		},
		&cli.StringFlag{
			Name:    "image",
			Usage:   "container image for --docker",
			Value:   runner.DefaultImage,
			Sources: cli.EnvVars("LABRUNNER_IMAGE"),
		},
		&cli.BoolFlag{
			Name:  "apply-options",
			Usage: "apply the cpu frequency policy of the options",
		},
		&cli.StringFlag{
			Name:    "remote",
			Usage:   "grading host to run on, e.g. http://grader:5050",
			Sources: cli.EnvVars("LABRUNNER_REMOTE"),
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "bearer token of the grading host",
			Sources: cli.EnvVars("LABRUNNER_TOKEN"),
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: "option file of key=value lines relative to --dir",
			Value: submission.DefaultConfigFile,
		},
		&cli.StringFlag{
			Name:  "json",
			Usage: "write the result as json to this file, - for stdout",
		},
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "run the lab and report its result",
		ArgsUsage: "[key=value ...]",
		Flags:     flags,
		Action:    runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	logger, err := initLogger(cmd.Bool("verbose"), cmd.Bool("release"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	sub, err := submission.Build(submission.BuildConfig{
		Dir:        cmd.String("dir"),
		Options:    cmd.Args().Slice(),
		ConfigFile: cmd.String("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var res *result.Result
	if host := cmd.String("remote"); host != "" {
		c := &client.Client{Host: host, Token: cmd.String("token"), Logger: logger}
		res, err = c.Run(ctx, sub)
	} else {
		res, err = runLocal(ctx, cmd, sub, logger)
	}
	if err != nil {
		return err
	}

	if p := cmd.String("json"); p != "" {
		if err := writeJSON(p, res); err != nil {
			return err
		}
	}
	if cmd.String("json") != "-" {
		printStreams(res)
	}
	printVerdict(os.Stderr, res)
	if res.Status != envexec.StatusSuccess {
		return cli.Exit("", container.ExitCode(res.Status))
	}
	return nil
}

func runLocal(ctx context.Context, cmd *cli.Command, sub *submission.Submission, logger *zap.Logger) (*result.Result, error) {
	r := &runner.Runner{Logger: logger}
	opts := runner.Options{
		Dir:             cmd.String("dir"),
		Pristine:        cmd.Bool("pristine"),
		AllowEscalation: cmd.Bool("docker") && !cmd.Bool("local"),
		ApplyHardware:   cmd.Bool("apply-options"),
		Verbose:         cmd.Bool("verbose"),
		Image:           cmd.String("image"),
	}
	if opts.AllowEscalation {
		d, err := container.NewDocker(logger)
		if err != nil {
			return nil, err
		}
		r.Container = d
	}
	res, err := r.Run(ctx, sub, opts)
	if errors.Is(err, runner.ErrEscalationWithPristine) {
		return nil, fmt.Errorf("--docker cannot be used with --pristine: %w", err)
	}
	return res, err
}

func writeJSON(p string, res *result.Result) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if p == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(p, b, 0o644)
}

// printStreams replays the captured streams so that an invoking engine
// sees the output of a nested run
func printStreams(res *result.Result) {
	io.WriteString(os.Stdout, res.Files[labspec.Stdout])
	io.WriteString(os.Stderr, res.Files[labspec.Stderr])
}

func statusColor(s envexec.Status) *color.Color {
	switch s {
	case envexec.StatusSuccess:
		return color.New(color.FgGreen, color.Bold)
	case envexec.StatusMissingOutput:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func printVerdict(w io.Writer, res *result.Result) {
	name := labspec.DefaultLabName
	if res.Submission != nil && res.Submission.LabSpec != nil {
		name = res.Submission.LabSpec.LabName
	}
	fmt.Fprintf(w, "%s: ", name)
	statusColor(res.Status).Fprintln(w, res.Status)

	var missing []string
	for k, v := range res.Files {
		if v == result.MissingFileContent {
			missing = append(missing, k)
		}
	}
	slices.Sort(missing)
	if len(missing) > 0 {
		color.New(color.FgYellow).Fprintf(w, "missing outputs: %s\n", strings.Join(missing, ", "))
	}

	bold := color.New(color.Bold)
	for _, f := range res.FiguresOfMerit {
		bold.Fprintf(w, "  %s: ", f.Name)
		if f.Value == nil {
			color.New(color.Faint).Fprintln(w, "n/a")
			continue
		}
		fmt.Fprintf(w, "%g\n", *f.Value)
	}
}
