// Package main provides the reactor server and its maintenance commands.
package main

import (
	"context"
	"os"

	"github.com/dukex/reactor/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "reactor",
		Usage:                 "Run and manage event driven workflow graphs",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewValidateCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("reactor").Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func databaseURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL for persistence (postgres://... or file://path)",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
}

func pluginsPathFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "plugins-path",
		Usage:   "Path to the directory containing node plugins",
		Value:   "./plugins",
		Sources: cli.EnvVars("PLUGINS_PATH"),
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "info",
		Sources: cli.EnvVars("LOG_LEVEL"),
	}
}
