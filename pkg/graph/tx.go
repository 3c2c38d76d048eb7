package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/reactor/pkg/models"
)

// Tx is the working copy of a graph handed to Update. Nodes are cloned on first write and the
// copy replaces the arena only when the callback succeeds. A Tx is only valid inside the
// callback.
type Tx struct {
	workflow    models.Workflow
	nodes       map[string]*models.WorkflowNode
	entrypoints []string
	stranded    []string
	owned       map[string]bool
}

func (g *Graph) begin() *Tx {
	return &Tx{
		workflow:    g.workflow,
		nodes:       maps.Clone(g.nodes),
		entrypoints: slices.Clone(g.entrypoints),
		stranded:    slices.Clone(g.stranded),
		owned:       make(map[string]bool),
	}
}

func (g *Graph) commit(tx *Tx) {
	g.workflow = tx.workflow
	g.nodes = tx.nodes
	g.entrypoints = tx.entrypoints
	g.stranded = tx.stranded
}

// mutable returns the tx's own copy of the node, cloning the committed one on first use.
func (tx *Tx) mutable(nodeID string) (*models.WorkflowNode, bool) {
	node, ok := tx.nodes[nodeID]
	if !ok {
		return nil, false
	}

	if !tx.owned[nodeID] {
		node = node.Clone()
		tx.nodes[nodeID] = node
		tx.owned[nodeID] = true
	}

	return node, true
}

// Workflow returns the workflow row.
func (tx *Tx) Workflow() models.Workflow {
	return tx.workflow
}

// Node returns a copy of the node.
func (tx *Tx) Node(nodeID string) (*models.WorkflowNode, bool) {
	node, ok := tx.nodes[nodeID]
	if !ok {
		return nil, false
	}

	return node.Clone(), true
}

// IsAncestor reports whether ancestorID is on the parent chain of nodeID.
func (tx *Tx) IsAncestor(ancestorID, nodeID string) bool {
	current, ok := tx.nodes[nodeID]

	for range len(tx.nodes) {
		if !ok || current.Previous == nil {
			return false
		}

		if current.Previous.NodeID == ancestorID {
			return true
		}

		current, ok = tx.nodes[current.Previous.NodeID]
	}

	return false
}

// SetWorkflow replaces the workflow row.
func (tx *Tx) SetWorkflow(workflow models.Workflow) {
	tx.workflow = workflow
}

// AddNode places a parentless node as an entrypoint or stranded node.
func (tx *Tx) AddNode(node *models.WorkflowNode, trigger bool) {
	clone := node.Clone()
	clone.Previous = nil

	tx.nodes[clone.ID] = clone
	tx.owned[clone.ID] = true

	if trigger {
		tx.entrypoints = append(tx.entrypoints, clone.ID)
	} else {
		tx.stranded = append(tx.stranded, clone.ID)
	}
}

// Connect appends toID under (fromID, label) and sets its previous pointer.
func (tx *Tx) Connect(fromID, label, toID string) error {
	from, ok := tx.mutable(fromID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, fromID)
	}

	to, ok := tx.mutable(toID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, toID)
	}

	output := from.Output(label)
	if output == nil {
		from.Next = append(from.Next, models.NodeOutput{Label: label})
		output = &from.Next[len(from.Next)-1]
	}

	output.Targets = append(output.Targets, toID)
	to.Previous = &models.NodeOutputRef{NodeID: fromID, Label: label}

	tx.stranded = remove(tx.stranded, toID)
	tx.entrypoints = remove(tx.entrypoints, toID)

	return nil
}

// Disconnect cuts the edge from the node's parent and strands the node with its subtree.
func (tx *Tx) Disconnect(nodeID string) error {
	node, ok := tx.mutable(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	if node.Previous == nil {
		return nil
	}

	if parent, ok := tx.mutable(node.Previous.NodeID); ok {
		if output := parent.Output(node.Previous.Label); output != nil {
			output.Targets = remove(output.Targets, nodeID)
		}
	}

	node.Previous = nil
	tx.stranded = append(tx.stranded, nodeID)

	return nil
}

// RemoveNode deletes a node that has already been detached from its parent and children.
func (tx *Tx) RemoveNode(nodeID string) {
	delete(tx.nodes, nodeID)
	delete(tx.owned, nodeID)

	tx.entrypoints = remove(tx.entrypoints, nodeID)
	tx.stranded = remove(tx.stranded, nodeID)
}

// SetConfig replaces the node's config.
func (tx *Tx) SetConfig(nodeID string, config map[string]any) {
	if node, ok := tx.mutable(nodeID); ok {
		node.Config = config
	}
}

// SetPosition replaces the node's position.
func (tx *Tx) SetPosition(nodeID string, position models.Position) {
	if node, ok := tx.mutable(nodeID); ok {
		node.Position = position
	}
}

func remove(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(candidate string) bool {
		return candidate == id
	})
}
