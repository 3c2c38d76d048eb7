// Package models defines the core domain models for graph-based workflow automation.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusEnabled  WorkflowStatus = "enabled"  // Triggers are evaluated
	WorkflowStatusDisabled WorkflowStatus = "disabled" // Graph is editable, nothing fires
)

// Workflow is the persisted workflow row. Its node graph lives in the graph store.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Owner       string         `json:"owner"       validate:"required"`
	Status      WorkflowStatus `json:"status"      validate:"required,oneof=enabled disabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsEnabled reports whether the workflow's triggers should be evaluated.
func (w *Workflow) IsEnabled() bool {
	return w.Status == WorkflowStatusEnabled
}

// Attributes exposes the workflow as a resource for permission conditions.
func (w *Workflow) Attributes() map[string]any {
	return map[string]any{
		"id":          w.ID,
		"name":        w.Name,
		"description": w.Description,
		"owner":       w.Owner,
		"status":      string(w.Status),
	}
}

// WorkflowGraph is a read-only view of a workflow and its node arena.
type WorkflowGraph struct {
	Workflow      Workflow                 `json:"workflow"`
	Entrypoints   []string                 `json:"entrypoints"`
	StrandedNodes []string                 `json:"stranded_nodes"`
	AllNodes      []string                 `json:"all_nodes"`
	Nodes         map[string]*WorkflowNode `json:"nodes"`
}
