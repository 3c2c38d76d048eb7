package web

import (
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/services"
)

// CreateWorkflowRequest represents the request body for creating a new workflow. The calling
// actor becomes its owner.
type CreateWorkflowRequest struct {
	Name        string                `json:"name"        validate:"required,min=3"`
	Description string                `json:"description"`
	Status      models.WorkflowStatus `json:"status"      validate:"omitempty,oneof=enabled disabled"`
}

// UpdateWorkflowRequest represents the request body for updating an existing workflow.
// All fields are optional to support partial updates.
type UpdateWorkflowRequest struct {
	Name        *string `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string `json:"description,omitempty"`
}

// CreateNodeRequest represents the request body for placing a node in a workflow.
type CreateNodeRequest struct {
	NodeDefinitionID string          `json:"node_definition_id"       validate:"required"`
	PreviousID       string          `json:"previous_id,omitempty"`
	PreviousLabel    string          `json:"previous_label,omitempty" validate:"required_with=PreviousID"`
	Config           map[string]any  `json:"config"`
	Position         models.Position `json:"position"`
}

func (r CreateNodeRequest) toService() services.AddNodeRequest {
	return services.AddNodeRequest{
		NodeDefinitionID: r.NodeDefinitionID,
		PreviousID:       r.PreviousID,
		PreviousLabel:    r.PreviousLabel,
		Config:           r.Config,
		Position:         r.Position,
	}
}

// UpdateNodeRequest represents a partial node patch. Config is merged into the current config;
// an empty previous_id detaches the node.
type UpdateNodeRequest struct {
	Config     map[string]any   `json:"config,omitempty"`
	PreviousID *string          `json:"previous_id,omitempty"`
	Label      *string          `json:"label,omitempty"`
	Position   *models.Position `json:"position,omitempty"`
}

func (r UpdateNodeRequest) toService() services.UpdateNodeRequest {
	return services.UpdateNodeRequest{
		Config:     r.Config,
		PreviousID: r.PreviousID,
		Label:      r.Label,
		Position:   r.Position,
	}
}

// ConnectRequest wires node To under the Label output of node From.
type ConnectRequest struct {
	From  string `json:"from"  validate:"required"`
	Label string `json:"label" validate:"required"`
	To    string `json:"to"    validate:"required"`
}

// DisconnectRequest detaches NodeID from its parent.
type DisconnectRequest struct {
	NodeID string `json:"node_id" validate:"required"`
}

type CreatePolicyRequest struct {
	Name string `json:"name" validate:"required"`
}

// AddRuleRequest represents one rule appended to a policy. A missing condition always matches.
type AddRuleRequest struct {
	Action       string            `json:"action"              validate:"required"`
	ResourceType string            `json:"resource_type"       validate:"required"`
	Condition    *models.Condition `json:"condition,omitempty"`
	Effect       models.Effect     `json:"effect"              validate:"required,oneof=allow deny"`
}

func (r AddRuleRequest) toService() services.AddRuleRequest {
	condition := models.Always()
	if r.Condition != nil {
		condition = *r.Condition
	}

	return services.AddRuleRequest{
		Action:       r.Action,
		ResourceType: r.ResourceType,
		Condition:    condition,
		Effect:       r.Effect,
	}
}

type AttachPolicyRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

// EventAcceptedResponse reports how many trigger evaluations an external event started.
type EventAcceptedResponse struct {
	NodeDefinitionID string `json:"node_definition_id"`
	Evaluations      int    `json:"evaluations"`
}
