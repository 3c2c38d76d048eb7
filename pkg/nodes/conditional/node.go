// Package conditional provides the branching node.
package conditional

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/reactor/pkg/expression"
	"github.com/dukex/reactor/pkg/models"
)

const (
	ID = "conditional"

	LabelTrue  = "true"
	LabelFalse = "false"
)

var errConditionRequired = errors.New("condition is required")

// Node evaluates a boolean expression over {input, config} and forwards its input along the
// label that matches the result. The other label receives nil and stops.
type Node struct {
	engine *expression.Engine
}

func NewNode(engine *expression.Engine) *Node {
	return &Node{engine: engine}
}

func (n *Node) Definition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:          ID,
		Name:        "Conditional",
		Description: "Routes the input to the true or false branch.",
		Type:        models.CategoryTypeAction,
		Labels:      []string{LabelTrue, LabelFalse},
		Fields: []models.FieldSpec{
			{Name: "condition", Type: "string", Description: `Boolean expression, e.g. input.status == "active"`, Required: true},
		},
	}
}

func (n *Node) Execute(_ context.Context, execCtx *models.ExecutionContext) (any, error) {
	condition := execCtx.ConfigString("condition", "")
	if condition == "" {
		return nil, errConditionRequired
	}

	result, err := n.engine.EvaluateBool(condition, map[string]any{
		"input":  execCtx.Input,
		"config": execCtx.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate condition: %w", err)
	}

	if result == (execCtx.Label == LabelTrue) {
		return execCtx.Input, nil
	}

	return nil, nil
}
