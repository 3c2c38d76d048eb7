// Package log provides the logging node.
package log

import (
	"context"
	"log/slog"

	reactorlog "github.com/dukex/reactor/pkg/log"
	"github.com/dukex/reactor/pkg/models"
)

const ID = "log"

// Node writes its interpolated message to the process log and passes its input through.
type Node struct {
	logger *slog.Logger
}

func NewNode(logger *slog.Logger) *Node {
	return &Node{logger: logger}
}

func (n *Node) Definition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:          ID,
		Name:        "Log",
		Description: "Logs a message and forwards the input unchanged.",
		Type:        models.CategoryTypeAction,
		Fields: []models.FieldSpec{
			{Name: "message", Type: "string", Description: "Message to log", Required: true},
			{Name: "level", Type: "string", Description: "debug, info, warn or error, defaults to info"},
		},
	}
}

func (n *Node) Execute(ctx context.Context, execCtx *models.ExecutionContext) (any, error) {
	level := reactorlog.ParseLevel(execCtx.ConfigString("level", "info"))

	n.logger.Log(ctx, level, execCtx.ConfigString("message", ""),
		"execution_id", execCtx.ExecutionID,
		"workflow_id", execCtx.WorkflowID,
		"node_id", execCtx.WorkflowNodeID,
		"step", execCtx.Step)

	return execCtx.Input, nil
}
