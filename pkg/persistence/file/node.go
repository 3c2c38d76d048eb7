package file

import (
	"context"
	"slices"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// NodeRepository stores graph rows inside the workflow document. A transaction edits a loaded
// copy of the document and writes it back once, so it is atomic.
type NodeRepository struct {
	fp *Persistence
}

func findNode(doc *workflowDocument, nodeID string) *models.WorkflowNode {
	for _, node := range doc.Nodes {
		if node.ID == nodeID {
			return node
		}
	}

	return nil
}

func (nr *NodeRepository) GetNodesByWorkflow(_ context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	nr.fp.mu.Lock()
	defer nr.fp.mu.Unlock()

	doc, err := nr.fp.workflowRepo.load(workflowID)
	if err != nil {
		return nil, err
	}

	for _, node := range doc.Nodes {
		node.WorkflowID = workflowID
	}

	return doc.Nodes, nil
}

// WithinTx loads the workflow document, hands fn a writer over it and stores the document only
// when fn succeeds.
func (nr *NodeRepository) WithinTx(_ context.Context, workflowID string, fn func(writer persistence.NodeWriter) error) error {
	nr.fp.mu.Lock()
	defer nr.fp.mu.Unlock()

	doc, err := nr.fp.workflowRepo.load(workflowID)
	if err != nil {
		return err
	}

	if err := fn(&documentWriter{doc: doc}); err != nil {
		return err
	}

	return nr.fp.workflowRepo.store(doc)
}

func (nr *NodeRepository) CreateNode(ctx context.Context, node *models.WorkflowNode, labels []string) error {
	return nr.WithinTx(ctx, node.WorkflowID, func(w persistence.NodeWriter) error {
		return w.CreateNode(ctx, node, labels)
	})
}

func (nr *NodeRepository) UpdateNode(ctx context.Context, node *models.WorkflowNode) error {
	return nr.WithinTx(ctx, node.WorkflowID, func(w persistence.NodeWriter) error {
		return w.UpdateNode(ctx, node)
	})
}

func (nr *NodeRepository) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	return nr.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
		return w.DeleteNode(ctx, workflowID, nodeID)
	})
}

func (nr *NodeRepository) Connect(ctx context.Context, workflowID, fromID, label, toID string) error {
	return nr.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
		return w.Connect(ctx, workflowID, fromID, label, toID)
	})
}

func (nr *NodeRepository) Disconnect(ctx context.Context, workflowID, nodeID string) error {
	return nr.WithinTx(ctx, workflowID, func(w persistence.NodeWriter) error {
		return w.Disconnect(ctx, workflowID, nodeID)
	})
}

// documentWriter edits one loaded workflow document.
type documentWriter struct {
	doc *workflowDocument
}

func (w *documentWriter) node(op, workflowID, nodeID string) (*models.WorkflowNode, error) {
	if workflowID != w.doc.Workflow.ID {
		return nil, persistence.NewWorkflowError(op, workflowID, persistence.ErrWorkflowNotFound)
	}

	node := findNode(w.doc, nodeID)
	if node == nil {
		return nil, persistence.NewNodeError(op, workflowID, nodeID, persistence.ErrNodeNotFound)
	}

	return node, nil
}

func (w *documentWriter) CreateNode(_ context.Context, node *models.WorkflowNode, labels []string) error {
	if node.WorkflowID != w.doc.Workflow.ID {
		return persistence.NewWorkflowError("CreateNode", node.WorkflowID, persistence.ErrWorkflowNotFound)
	}

	row := node.Clone()
	row.Previous = nil
	row.Next = make([]models.NodeOutput, 0, len(labels))

	for _, label := range labels {
		row.Next = append(row.Next, models.NodeOutput{Label: label, Targets: []string{}})
	}

	w.doc.Nodes = append(w.doc.Nodes, row)

	return nil
}

func (w *documentWriter) UpdateNode(_ context.Context, node *models.WorkflowNode) error {
	row, err := w.node("UpdateNode", node.WorkflowID, node.ID)
	if err != nil {
		return err
	}

	row.Config = node.Config
	row.Position = node.Position

	return nil
}

func (w *documentWriter) DeleteNode(_ context.Context, workflowID, nodeID string) error {
	if _, err := w.node("DeleteNode", workflowID, nodeID); err != nil {
		return err
	}

	w.doc.Nodes = slices.DeleteFunc(w.doc.Nodes, func(node *models.WorkflowNode) bool {
		return node.ID == nodeID
	})

	return nil
}

func (w *documentWriter) Connect(_ context.Context, workflowID, fromID, label, toID string) error {
	from, err := w.node("Connect", workflowID, fromID)
	if err != nil {
		return err
	}

	to, err := w.node("Connect", workflowID, toID)
	if err != nil {
		return err
	}

	output := from.Output(label)
	if output == nil {
		from.Next = append(from.Next, models.NodeOutput{Label: label})
		output = &from.Next[len(from.Next)-1]
	}

	output.Targets = append(output.Targets, toID)
	to.Previous = &models.NodeOutputRef{NodeID: fromID, Label: label}

	return nil
}

func (w *documentWriter) Disconnect(_ context.Context, workflowID, nodeID string) error {
	node, err := w.node("Disconnect", workflowID, nodeID)
	if err != nil {
		return err
	}

	if node.Previous == nil {
		return nil
	}

	if parent := findNode(w.doc, node.Previous.NodeID); parent != nil {
		if output := parent.Output(node.Previous.Label); output != nil {
			output.Targets = slices.DeleteFunc(output.Targets, func(id string) bool {
				return id == nodeID
			})
		}
	}

	node.Previous = nil

	return nil
}
