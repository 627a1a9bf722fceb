// Command coschedctl drives the cooperative scheduler and its blocking
// I/O pool from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := 1
		var exit cli.ExitCoder
		if errors.As(err, &exit) {
			code = exit.ExitCode()
		}
		os.Exit(code)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "coschedctl",
		Usage: "run file I/O through a cooperative scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML configuration file",
				EnvVars: []string{"COSCHED_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on this address while running",
			},
		},
		Commands: []*cli.Command{
			catCommand(),
			copyCommand(),
		},
		// exit codes are handled by main
		ExitErrHandler: func(*cli.Context, error) {},
	}
}
