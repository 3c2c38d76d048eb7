// Package models defines core node-based workflow models for graph execution
package models

import (
	"maps"
	"slices"
)

// CategoryType represents the category of a node definition.
type CategoryType string

const (
	CategoryTypeAction  CategoryType = "action"  // Regular action nodes (http, log, transform, etc.)
	CategoryTypeTrigger CategoryType = "trigger" // Trigger nodes (webhook, schedule, queue, etc.)
)

// DefaultLabel is the single output label of linear nodes.
const DefaultLabel = "output"

// Built-in trigger node types.
const (
	NodeTypeTriggerWebhook  = "trigger:webhook"
	NodeTypeTriggerSchedule = "trigger:schedule"
	NodeTypeTriggerQueue    = "trigger:queue"
)

// FieldSpec describes one configuration field of a node definition.
type FieldSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, integer, boolean, object, array, any
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Secret      bool   `json:"secret,omitempty"` // Stripped from trace config snapshots
}

// NodeDefinition is the immutable catalog description of a trigger or action.
type NodeDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Type        CategoryType `json:"type"`
	Labels      []string     `json:"labels"`
	Fields      []FieldSpec  `json:"fields"`
	UseCron     bool         `json:"use_cron,omitempty"` // Trigger must be polled on every tick
}

// IsTrigger reports whether the definition describes a trigger.
func (d NodeDefinition) IsTrigger() bool {
	return d.Type == CategoryTypeTrigger
}

// OutputLabels returns the declared labels, defaulting to a single "output" label.
func (d NodeDefinition) OutputLabels() []string {
	if len(d.Labels) == 0 {
		return []string{DefaultLabel}
	}

	return slices.Clone(d.Labels)
}

// HasLabel reports whether label is declared by the definition.
func (d NodeDefinition) HasLabel(label string) bool {
	return slices.Contains(d.OutputLabels(), label)
}

// SecretFields returns the names of fields that must never be recorded.
func (d NodeDefinition) SecretFields() []string {
	var names []string

	for _, f := range d.Fields {
		if f.Secret {
			names = append(names, f.Name)
		}
	}

	return names
}

// Schema renders the fields as a JSON schema object.
func (d NodeDefinition) Schema() map[string]any {
	properties := make(map[string]any, len(d.Fields))
	required := make([]any, 0)

	for _, f := range d.Fields {
		property := map[string]any{}
		if f.Type != "" && f.Type != "any" {
			property["type"] = f.Type
		}

		if f.Description != "" {
			property["description"] = f.Description
		}

		properties[f.Name] = property

		if f.Required {
			required = append(required, f.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

// Position is the editor position of a node.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// NodeOutputRef points at the output bucket a node hangs under.
type NodeOutputRef struct {
	NodeID string `json:"node_id"`
	Label  string `json:"label"`
}

// NodeOutput is one labelled output bucket of a node.
type NodeOutput struct {
	Label   string   `json:"label"`
	Targets []string `json:"targets"`
}

// WorkflowNode represents a node definition placed in a workflow graph.
type WorkflowNode struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	NodeDefinitionID string         `json:"node_definition_id"`
	Config           map[string]any `json:"config"`
	Position         Position       `json:"position"`
	Previous         *NodeOutputRef `json:"previous,omitempty"`
	Next             []NodeOutput   `json:"next"`
}

// Output returns the bucket for label, or nil if the node has none.
func (n *WorkflowNode) Output(label string) *NodeOutput {
	for i := range n.Next {
		if n.Next[i].Label == label {
			return &n.Next[i]
		}
	}

	return nil
}

// Children returns every direct child id across all buckets.
func (n *WorkflowNode) Children() []string {
	var children []string

	for _, output := range n.Next {
		children = append(children, output.Targets...)
	}

	return children
}

// Clone returns a deep copy of the node's structure. Config values are copied shallowly.
func (n *WorkflowNode) Clone() *WorkflowNode {
	clone := *n
	clone.Config = maps.Clone(n.Config)

	if n.Previous != nil {
		previous := *n.Previous
		clone.Previous = &previous
	}

	clone.Next = make([]NodeOutput, len(n.Next))
	for i, output := range n.Next {
		clone.Next[i] = NodeOutput{Label: output.Label, Targets: slices.Clone(output.Targets)}
	}

	return &clone
}
