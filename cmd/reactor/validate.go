package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dukex/reactor/pkg/cmd"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/log"
	"github.com/dukex/reactor/pkg/nodes"
	"github.com/dukex/reactor/pkg/registry"
	"github.com/urfave/cli/v3"
)

var ErrInvalidWorkflows = errors.New("invalid workflows found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Check every stored workflow graph and node configuration",
		Flags: []cli.Flag{
			databaseURLFlag(),
			pluginsPathFlag(),
			logLevelFlag(),
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("reactor").With("action", "validate")

			p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := p.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			reg, err := cmd.NewRegistry(logger, command.String("plugins-path"), nodes.Options{Logger: logger})
			if err != nil {
				return err
			}

			store := graph.NewStore(logger, reg)
			if err := store.Load(ctx, p); err != nil {
				return err
			}

			invalid := validateWorkflows(os.Stdout, store, reg)
			if invalid > 0 {
				return fmt.Errorf("%w: %d", ErrInvalidWorkflows, invalid)
			}

			return nil
		},
	}
}

// validateWorkflows prints one report per workflow and returns how many are invalid.
func validateWorkflows(out io.Writer, store *graph.Store, reg *registry.Registry) int {
	invalid := 0

	_, _ = fmt.Fprintln(out, "Workflow Validation Results:")
	_, _ = fmt.Fprintln(out, "============================")

	for _, g := range store.Graphs() {
		workflow := g.Workflow()
		snapshot := g.Snapshot()

		_, _ = fmt.Fprintf(out, "\nWorkflow: %s (%s)\n", workflow.Name, workflow.ID)

		var problems []error

		if err := g.CheckInvariants(); err != nil {
			problems = append(problems, err)
		}

		for _, id := range snapshot.AllNodes {
			node := snapshot.Nodes[id]

			if err := reg.ValidateConfig(node.NodeDefinitionID, node.Config); err != nil {
				problems = append(problems, fmt.Errorf("node %s: %w", node.ID, err))
			}
		}

		if len(snapshot.Entrypoints) == 0 {
			_, _ = fmt.Fprintln(out, "  warning: no trigger entrypoint, the workflow never runs")
		}

		if len(snapshot.StrandedNodes) > 0 {
			_, _ = fmt.Fprintf(out, "  warning: %d stranded node(s) are never executed\n", len(snapshot.StrandedNodes))
		}

		if len(problems) > 0 {
			invalid++

			for _, problem := range problems {
				_, _ = fmt.Fprintf(out, "  INVALID: %v\n", problem)
			}

			continue
		}

		_, _ = fmt.Fprintf(out, "  VALID (%d nodes, status %s)\n", len(snapshot.AllNodes), workflow.Status)
	}

	return invalid
}
