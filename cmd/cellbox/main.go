package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cellbox-dev/cellbox"
	"github.com/cellbox-dev/cellbox/commands"
	"github.com/cellbox-dev/cellbox/sandbox"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "cellbox",
		Usage: "run commands and manage sandboxes from the command line",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run a command in a fresh sandbox and print its output.",
				ArgsUsage: "<command>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "template",
						Usage: "The template to create the sandbox from.",
						Value: "base",
					},
					&cli.StringFlag{
						Name:  "timeout",
						Usage: "Duration to wait for the command to finish.",
						Value: "60s",
					},
					&cli.BoolFlag{
						Name:  "keep",
						Usage: "Keep the sandbox alive after the command finishes.",
					},
				},
				Action: runCommand,
			},
			{
				Name:   "list",
				Usage:  "List sandboxes.",
				Action: listSandboxes,
			},
			{
				Name:      "kill",
				Usage:     "Delete a sandbox.",
				ArgsUsage: "<sandbox-id>",
				Action:    killSandbox,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newClient(ctx *cli.Context) (*cellbox.Client, error) {
	var opts []cellbox.ClientOption
	if !ctx.Bool("verbose") {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		opts = append(opts, cellbox.WithLogger(logger))
	}
	return cellbox.NewClient(opts...)
}

func runCommand(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one command argument")
	}
	cmdStr := ctx.Args().First()

	timeout, err := time.ParseDuration(ctx.String("timeout"))
	if err != nil {
		return fmt.Errorf("parsing timeout: %w", err)
	}

	client, err := newClient(ctx)
	if err != nil {
		return err
	}

	inst, err := sandbox.New(client).Template(ctx.String("template")).Create(ctx.Context)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	if !ctx.Bool("keep") {
		defer func() {
			if err := inst.Delete(ctx.Context); err != nil {
				fmt.Fprintf(os.Stderr, "failed to delete sandbox %s: %s\n", inst.ID(), err)
			}
		}()
	}

	res, err := inst.Commands().RunWithOptions(ctx.Context, cmdStr, commands.Options{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("running command: %w", err)
	}

	fmt.Print(res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.ExitCode != 0 {
		return cli.Exit("", int(res.ExitCode))
	}
	return nil
}

func listSandboxes(ctx *cli.Context) error {
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	sandboxes, err := sandbox.New(client).List(ctx.Context)
	if err != nil {
		return fmt.Errorf("listing sandboxes: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sandboxes)
}

func killSandbox(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one sandbox ID argument")
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	return sandbox.New(client).Delete(ctx.Context, ctx.Args().First())
}
