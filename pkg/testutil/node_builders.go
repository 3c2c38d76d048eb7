// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/reactor/pkg/models"
	"github.com/google/uuid"
)

// CreateTestWorkflow creates an enabled Workflow owned by "owner-1" that can be overridden.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Now().UTC()

	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "workflow used in tests",
		Owner:       "owner-1",
		Status:      models.WorkflowStatusEnabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithOwner sets the workflow owner.
func WithOwner(owner string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Owner = owner
	}
}

// WithStatus sets the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// CreateTestNode creates a test WorkflowNode bound to the "test:action" definition.
func CreateTestNode(workflowID string, overrides ...func(*models.WorkflowNode)) *models.WorkflowNode {
	node := &models.WorkflowNode{
		ID:               uuid.New().String(),
		WorkflowID:       workflowID,
		NodeDefinitionID: ActionID,
		Config:           map[string]any{"message": "test"},
		Position:         models.Position{X: 100, Y: 200},
		Next:             []models.NodeOutput{{Label: models.DefaultLabel}},
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithID sets the node id.
func WithID(id string) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.ID = id
	}
}

// WithDefinition binds the node to a definition and creates one empty bucket per label.
func WithDefinition(definition models.NodeDefinition) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.NodeDefinitionID = definition.ID
		n.Next = nil

		for _, label := range definition.OutputLabels() {
			n.Next = append(n.Next, models.NodeOutput{Label: label})
		}
	}
}

// WithConfig sets the node configuration.
func WithConfig(config map[string]any) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.Config = config
	}
}

// WithPosition sets the node position.
func WithPosition(x, y int) func(*models.WorkflowNode) {
	return func(n *models.WorkflowNode) {
		n.Position = models.Position{X: x, Y: y}
	}
}

// Link wires child under parent's label on both sides. Both nodes must already carry the bucket.
func Link(parent *models.WorkflowNode, label string, child *models.WorkflowNode) {
	output := parent.Output(label)
	output.Targets = append(output.Targets, child.ID)
	child.Previous = &models.NodeOutputRef{NodeID: parent.ID, Label: label}
}
