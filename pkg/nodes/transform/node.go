// Package transform provides the jq transformation node.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/reactor/pkg/models"
	"github.com/itchyny/gojq"
)

const ID = "transform"

var errExpressionRequired = errors.New("expression is required")

// Node runs a jq expression over its input. A single result is returned as is, several results
// are collected into a slice and no result yields nil, which stops the branch.
type Node struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewNode() *Node {
	return &Node{cache: make(map[string]*gojq.Code)}
}

func (n *Node) Definition() models.NodeDefinition {
	return models.NodeDefinition{
		ID:          ID,
		Name:        "Transform",
		Description: "Reshapes the input with a jq expression.",
		Type:        models.CategoryTypeAction,
		Fields: []models.FieldSpec{
			{Name: "expression", Type: "string", Description: "jq expression, e.g. {id: .user.id}", Required: true},
		},
	}
}

func (n *Node) Execute(ctx context.Context, execCtx *models.ExecutionContext) (any, error) {
	source := execCtx.ConfigString("expression", "")
	if source == "" {
		return nil, errExpressionRequired
	}

	code, err := n.compile(source)
	if err != nil {
		return nil, err
	}

	input, err := normalize(execCtx.Input)
	if err != nil {
		return nil, err
	}

	var results []any

	iter := code.RunWithContext(ctx, input)

	for {
		value, ok := iter.Next()
		if !ok {
			break
		}

		if err, isErr := value.(error); isErr {
			return nil, fmt.Errorf("jq evaluation failed for %q: %w", source, err)
		}

		results = append(results, value)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (n *Node) compile(source string) (*gojq.Code, error) {
	n.mu.RLock()
	code, ok := n.cache[source]
	n.mu.RUnlock()

	if ok {
		return code, nil
	}

	query, err := gojq.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("jq parse error in %q: %w", source, err)
	}

	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, fmt.Errorf("jq compile error in %q: %w", source, err)
	}

	n.mu.Lock()
	n.cache[source] = code
	n.mu.Unlock()

	return code, nil
}

// normalize converts arbitrary node outputs into the JSON shapes gojq accepts. Containers are
// round-tripped since nested values may hold any Go type.
func normalize(value any) (any, error) {
	switch value.(type) {
	case nil, bool, string, float64, int:
		return value, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON serializable: %w", err)
	}

	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("input is not JSON serializable: %w", err)
	}

	return normalized, nil
}
