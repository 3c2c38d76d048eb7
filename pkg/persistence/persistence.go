// Package persistence provides the data storage abstraction for workflows, graphs, executions and policies.
package persistence

import (
	"context"

	"github.com/dukex/reactor/pkg/models"
)

// Persistence groups the repositories a storage backend provides.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	NodeRepository() NodeRepository
	ExecutionRepository() ExecutionRepository
	PolicyRepository() PolicyRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow rows.
type WorkflowRepository interface {
	GetAll(ctx context.Context) ([]*models.Workflow, error)
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id string) error
}

// NodeWriter writes graph rows. A writer handed out by NodeRepository.WithinTx shares one
// transaction across every call.
type NodeWriter interface {
	// CreateNode inserts the node row and one output bucket row per label.
	CreateNode(ctx context.Context, node *models.WorkflowNode, labels []string) error
	// UpdateNode updates config and position.
	UpdateNode(ctx context.Context, node *models.WorkflowNode) error
	// DeleteNode removes the node row and its buckets.
	DeleteNode(ctx context.Context, workflowID, nodeID string) error
	// Connect inserts the edge row under (fromID, label) and the parent pointer of toID.
	Connect(ctx context.Context, workflowID, fromID, label, toID string) error
	// Disconnect removes the edge row and the parent pointer of nodeID.
	Disconnect(ctx context.Context, workflowID, nodeID string) error
}

// NodeRepository stores graph rows: nodes, their output buckets and parent edges.
// The NodeWriter methods called on the repository each run in their own transaction.
type NodeRepository interface {
	NodeWriter

	// GetNodesByWorkflow returns nodes with their previous pointer and output buckets loaded.
	GetNodesByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error)
	// WithinTx runs fn in one transaction over the workflow's graph rows. Nothing fn wrote is
	// kept when it returns an error.
	WithinTx(ctx context.Context, workflowID string, fn func(writer NodeWriter) error) error
}

// ExecutionWriter inserts execution rows inside one transaction.
type ExecutionWriter interface {
	// InsertTrace inserts one trace row and returns its generated id.
	InsertTrace(ctx context.Context, executionID string, trace *models.ExecutionTrace, parentID *int64) (int64, error)
	// InsertExecution inserts the execution row referencing the root trace.
	InsertExecution(ctx context.Context, execution *models.WorkflowExecution, rootTraceID *int64) error
}

// ExecutionRepository stores finished runs.
type ExecutionRepository interface {
	// WithinTx runs fn in a transaction that is rolled back when fn returns an error.
	WithinTx(ctx context.Context, fn func(writer ExecutionWriter) error) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
}

// PolicyRepository stores policies, rules and actor attachments. Listing methods return
// policies in attachment order and rules in creation order.
type PolicyRepository interface {
	// CreatePolicy returns the id of the policy named name, creating it when missing.
	CreatePolicy(ctx context.Context, name string) (string, error)
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)
	// UpsertRule inserts or replaces the rule keyed by (action, resource type, effect, policy).
	UpsertRule(ctx context.Context, rule *models.Rule) error
	AttachPolicy(ctx context.Context, actorID, policyID string) error
	DetachPolicy(ctx context.Context, actorID, policyID string) error
	PoliciesForActor(ctx context.Context, actorID string) ([]*models.Policy, error)
}
