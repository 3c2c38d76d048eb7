// Package services implements the workflow, graph and execution operations exposed to callers.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"dario.cat/mergo"
	"github.com/dukex/reactor/pkg/eventbus"
	"github.com/dukex/reactor/pkg/events"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/google/uuid"
)

// AddNodeRequest describes a node to place in a workflow. PreviousID and PreviousLabel are
// given together or not at all.
type AddNodeRequest struct {
	NodeDefinitionID string
	PreviousID       string
	PreviousLabel    string
	Config           map[string]any
	Position         models.Position
}

// UpdateNodeRequest is a partial patch. Nil fields are left untouched; Config is merged into
// the current config. An empty PreviousID detaches the node.
type UpdateNodeRequest struct {
	Config     map[string]any
	PreviousID *string
	Label      *string
	Position   *models.Position
}

// Node mutates workflow graphs. Every mutation runs under the workflow's write lock as one
// storage transaction; the in-memory graph is replaced only when that transaction commits.
type Node struct {
	logger     *slog.Logger
	store      *graph.Store
	nodes      persistence.NodeRepository
	catalog    Catalog
	authorizer Authorizer
	notifier   notifier
}

// NewNode creates a new node service. publisher may be nil.
func NewNode(
	logger *slog.Logger,
	store *graph.Store,
	p persistence.Persistence,
	catalog Catalog,
	authorizer Authorizer,
	publisher eventbus.EventPublisher,
) *Node {
	return &Node{
		logger:     logger,
		store:      store,
		nodes:      p.NodeRepository(),
		catalog:    catalog,
		authorizer: authorizer,
		notifier:   notifier{logger: logger, publisher: publisher},
	}
}

func (n *Node) authorize(ctx context.Context, actor models.Actor, action, workflowID string) (*graph.Graph, error) {
	if err := n.authorizer.Authorize(ctx, actor, action, &workflowID, models.ResourceWorkflow, nil); err != nil {
		return nil, err
	}

	return n.store.Get(workflowID)
}

func (n *Node) definition(op, definitionID string) (models.NodeDefinition, error) {
	definition, err := n.catalog.Definition(definitionID)
	if err != nil {
		return models.NodeDefinition{}, NewValidationError(op, "unknown_node_definition",
			fmt.Sprintf("node definition %q is not registered", definitionID), ErrUnknownNodeDefinition)
	}

	return definition, nil
}

func (n *Node) validateConfig(op, definitionID string, config map[string]any) error {
	if err := n.catalog.ValidateConfig(definitionID, config); err != nil {
		return NewValidationError(op, "invalid_config", err.Error(), ErrInvalidConfig)
	}

	return nil
}

func nodeNotFound(op, workflowID, nodeID string) error {
	return persistence.NewNodeError(op, workflowID, nodeID, persistence.ErrNodeNotFound)
}

// checkConnect validates wiring toID under (fromID, label). to may still have a parent when
// the caller is going to disconnect it first.
func (n *Node) checkConnect(op string, tx *graph.Tx, workflowID, fromID, label, toID string, reparent bool) error {
	from, ok := tx.Node(fromID)
	if !ok {
		return nodeNotFound(op, workflowID, fromID)
	}

	to, ok := tx.Node(toID)
	if !ok {
		return nodeNotFound(op, workflowID, toID)
	}

	if fromID == toID {
		return NewValidationError(op, "self_connection", "a node cannot be connected to itself", ErrSelfConnection)
	}

	fromDefinition, err := n.definition(op, from.NodeDefinitionID)
	if err != nil {
		return err
	}

	if !fromDefinition.HasLabel(label) {
		return NewValidationError(op, "invalid_label",
			fmt.Sprintf("label %q is not declared by %s", label, fromDefinition.ID), ErrInvalidLabel)
	}

	toDefinition, err := n.definition(op, to.NodeDefinitionID)
	if err != nil {
		return err
	}

	if toDefinition.IsTrigger() {
		return NewValidationError(op, "trigger_has_previous", "trigger nodes cannot have a previous node", ErrTriggerHasPrevious)
	}

	if to.Previous != nil && !reparent {
		return &ServiceError{
			Op:      op,
			Code:    "already_connected",
			Message: fmt.Sprintf("node %s is already connected to %s, disconnect it first", toID, to.Previous.NodeID),
			Err:     ErrAlreadyConnected,
		}
	}

	if tx.IsAncestor(toID, fromID) {
		return NewValidationError(op, "cycle", fmt.Sprintf("node %s is an ancestor of %s", toID, fromID), ErrCycle)
	}

	return nil
}

func connect(ctx context.Context, w persistence.NodeWriter, tx *graph.Tx, workflowID, fromID, label, toID string) error {
	if err := w.Connect(ctx, workflowID, fromID, label, toID); err != nil {
		return fmt.Errorf("failed to persist connection: %w", err)
	}

	return tx.Connect(fromID, label, toID)
}

func disconnect(ctx context.Context, w persistence.NodeWriter, tx *graph.Tx, workflowID, nodeID string) error {
	if err := w.Disconnect(ctx, workflowID, nodeID); err != nil {
		return fmt.Errorf("failed to persist disconnection: %w", err)
	}

	return tx.Disconnect(nodeID)
}

// Connect wires toID under fromID's label. toID must not have a previous node.
func (n *Node) Connect(ctx context.Context, actor models.Actor, workflowID, fromID, label, toID string) error {
	g, err := n.authorize(ctx, actor, models.ActionUpdate, workflowID)
	if err != nil {
		return err
	}

	err = g.Update(func(tx *graph.Tx) error {
		if err := n.checkConnect("Connect", tx, workflowID, fromID, label, toID, false); err != nil {
			return err
		}

		return n.nodes.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
			return connect(ctx, w, tx, workflowID, fromID, label, toID)
		})
	})
	if err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Connected nodes", "workflow_id", workflowID, "from", fromID, "label", label, "to", toID)
	n.notifier.graphChanged(ctx, actor, workflowID, events.GraphChangeNodes, toID)

	return nil
}

// Disconnect cuts nodeID from its parent. The node keeps its subtree and becomes stranded.
func (n *Node) Disconnect(ctx context.Context, actor models.Actor, workflowID, nodeID string) error {
	g, err := n.authorize(ctx, actor, models.ActionUpdate, workflowID)
	if err != nil {
		return err
	}

	err = g.Update(func(tx *graph.Tx) error {
		node, ok := tx.Node(nodeID)
		if !ok {
			return nodeNotFound("Disconnect", workflowID, nodeID)
		}

		if node.Previous == nil {
			return &ServiceError{
				Op:      "Disconnect",
				Code:    "not_connected",
				Message: fmt.Sprintf("node %s has no previous node", nodeID),
				Err:     ErrNotConnected,
			}
		}

		return n.nodes.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
			return disconnect(ctx, w, tx, workflowID, nodeID)
		})
	})
	if err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Disconnected node", "workflow_id", workflowID, "node_id", nodeID)
	n.notifier.graphChanged(ctx, actor, workflowID, events.GraphChangeNodes, nodeID)

	return nil
}

// AddNode creates a node, optionally wired under (PreviousID, PreviousLabel). Triggers become
// entrypoints; actions without a parent become stranded.
func (n *Node) AddNode(ctx context.Context, actor models.Actor, workflowID string, req AddNodeRequest) (*models.WorkflowNode, error) {
	const op = "AddNode"

	g, err := n.authorize(ctx, actor, models.ActionUpdate, workflowID)
	if err != nil {
		return nil, err
	}

	if (req.PreviousID == "") != (req.PreviousLabel == "") {
		return nil, NewValidationError(op, "invalid_previous",
			"invalid previous node configuration: previous id and label must be given together", ErrInvalidPrevious)
	}

	definition, err := n.definition(op, req.NodeDefinitionID)
	if err != nil {
		return nil, err
	}

	if definition.IsTrigger() && req.PreviousID != "" {
		return nil, NewValidationError(op, "trigger_has_previous", "trigger nodes cannot have a previous node", ErrTriggerHasPrevious)
	}

	config := req.Config
	if config == nil {
		config = make(map[string]any)
	}

	if err := n.validateConfig(op, definition.ID, config); err != nil {
		return nil, err
	}

	node := &models.WorkflowNode{
		ID:               uuid.New().String(),
		WorkflowID:       workflowID,
		NodeDefinitionID: definition.ID,
		Config:           config,
		Position:         req.Position,
	}

	labels := definition.OutputLabels()
	for _, label := range labels {
		node.Next = append(node.Next, models.NodeOutput{Label: label, Targets: []string{}})
	}

	var created *models.WorkflowNode

	err = g.Update(func(tx *graph.Tx) error {
		if req.PreviousID != "" {
			from, ok := tx.Node(req.PreviousID)
			if !ok {
				return nodeNotFound(op, workflowID, req.PreviousID)
			}

			fromDefinition, err := n.definition(op, from.NodeDefinitionID)
			if err != nil {
				return err
			}

			if !fromDefinition.HasLabel(req.PreviousLabel) {
				return NewValidationError(op, "invalid_label",
					fmt.Sprintf("label %q is not declared by %s", req.PreviousLabel, fromDefinition.ID), ErrInvalidLabel)
			}
		}

		return n.nodes.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
			if err := w.CreateNode(ctx, node, labels); err != nil {
				return fmt.Errorf("failed to persist node: %w", err)
			}

			tx.AddNode(node, definition.IsTrigger())

			if req.PreviousID != "" {
				if err := connect(ctx, w, tx, workflowID, req.PreviousID, req.PreviousLabel, node.ID); err != nil {
					return err
				}
			}

			created, _ = tx.Node(node.ID)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	n.logger.InfoContext(ctx, "Added node",
		"workflow_id", workflowID,
		"node_id", created.ID,
		"definition", created.NodeDefinitionID,
	)
	n.notifier.graphChanged(ctx, actor, workflowID, events.GraphChangeNodes, created.ID)

	return created, nil
}

// DeleteNode removes a node. Its direct children are detached and stay in the workflow as
// stranded nodes with their own subtrees.
func (n *Node) DeleteNode(ctx context.Context, actor models.Actor, workflowID, nodeID string) error {
	const op = "DeleteNode"

	g, err := n.authorize(ctx, actor, models.ActionUpdate, workflowID)
	if err != nil {
		return err
	}

	err = g.Update(func(tx *graph.Tx) error {
		node, ok := tx.Node(nodeID)
		if !ok {
			return nodeNotFound(op, workflowID, nodeID)
		}

		return n.nodes.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
			for _, child := range node.Children() {
				if err := disconnect(ctx, w, tx, workflowID, child); err != nil {
					return err
				}
			}

			if node.Previous != nil {
				if err := disconnect(ctx, w, tx, workflowID, nodeID); err != nil {
					return err
				}
			}

			if err := w.DeleteNode(ctx, workflowID, nodeID); err != nil {
				return fmt.Errorf("failed to delete node: %w", err)
			}

			tx.RemoveNode(nodeID)

			return nil
		})
	})
	if err != nil {
		return err
	}

	n.logger.InfoContext(ctx, "Deleted node", "workflow_id", workflowID, "node_id", nodeID)
	n.notifier.graphChanged(ctx, actor, workflowID, events.GraphChangeNodes, nodeID)

	return nil
}

// UpdateNode applies a partial patch. The patch and a new parent are both validated before
// anything is written, and the writes share one transaction.
func (n *Node) UpdateNode(ctx context.Context, actor models.Actor, workflowID, nodeID string, req UpdateNodeRequest) (*models.WorkflowNode, error) {
	const op = "UpdateNode"

	g, err := n.authorize(ctx, actor, models.ActionUpdate, workflowID)
	if err != nil {
		return nil, err
	}

	if (req.PreviousID == nil) != (req.Label == nil) {
		return nil, NewValidationError(op, "invalid_previous",
			"invalid previous node configuration: previous id and label must be given together", ErrInvalidPrevious)
	}

	var updated *models.WorkflowNode

	err = g.Update(func(tx *graph.Tx) error {
		node, ok := tx.Node(nodeID)
		if !ok {
			return nodeNotFound(op, workflowID, nodeID)
		}

		patched := req.Config != nil || req.Position != nil

		if req.Config != nil {
			config := maps.Clone(node.Config)
			if config == nil {
				config = make(map[string]any)
			}

			if err := mergo.Merge(&config, req.Config, mergo.WithOverride); err != nil {
				return NewValidationError(op, "invalid_config", err.Error(), ErrInvalidConfig)
			}

			if err := n.validateConfig(op, node.NodeDefinitionID, config); err != nil {
				return err
			}

			node.Config = config
		}

		if req.Position != nil {
			node.Position = *req.Position
		}

		moving := false

		if req.PreviousID != nil {
			moving, err = n.checkReparent(op, tx, workflowID, node, *req.PreviousID, *req.Label)
			if err != nil {
				return err
			}
		}

		return n.nodes.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
			if patched {
				if err := w.UpdateNode(ctx, node); err != nil {
					return fmt.Errorf("failed to persist node: %w", err)
				}

				tx.SetConfig(nodeID, node.Config)
				tx.SetPosition(nodeID, node.Position)
			}

			if moving {
				if err := reparent(ctx, w, tx, workflowID, node, *req.PreviousID, *req.Label); err != nil {
					return err
				}
			}

			updated, _ = tx.Node(nodeID)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	n.logger.InfoContext(ctx, "Updated node", "workflow_id", workflowID, "node_id", nodeID)
	n.notifier.graphChanged(ctx, actor, workflowID, events.GraphChangeNodes, nodeID)

	return updated, nil
}

// checkReparent reports whether moving node under (previousID, label) changes anything, and
// validates the new edge when it does. An empty previousID detaches the node.
func (n *Node) checkReparent(op string, tx *graph.Tx, workflowID string, node *models.WorkflowNode, previousID, label string) (bool, error) {
	if previousID == "" {
		return node.Previous != nil, nil
	}

	if node.Previous != nil && node.Previous.NodeID == previousID && node.Previous.Label == label {
		return false, nil
	}

	if err := n.checkConnect(op, tx, workflowID, previousID, label, node.ID, true); err != nil {
		return false, err
	}

	return true, nil
}

func reparent(ctx context.Context, w persistence.NodeWriter, tx *graph.Tx, workflowID string, node *models.WorkflowNode, previousID, label string) error {
	if node.Previous != nil {
		if err := disconnect(ctx, w, tx, workflowID, node.ID); err != nil {
			return err
		}
	}

	if previousID == "" {
		return nil
	}

	return connect(ctx, w, tx, workflowID, previousID, label, node.ID)
}

// GetNode returns a copy of the node.
func (n *Node) GetNode(ctx context.Context, actor models.Actor, workflowID, nodeID string) (*models.WorkflowNode, error) {
	if _, err := n.authorize(ctx, actor, models.ActionRead, workflowID); err != nil {
		return nil, err
	}

	return n.store.FindNode(workflowID, nodeID)
}
