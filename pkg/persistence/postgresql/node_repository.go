package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// NodeRepository handles graph rows: nodes, output buckets and edges.
type NodeRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNodeRepository creates a new node repository.
func NewNodeRepository(db *sql.DB, logger *slog.Logger) *NodeRepository {
	return &NodeRepository{db: db, logger: logger}
}

// GetNodesByWorkflow loads nodes in creation order with their buckets and edges.
func (nr *NodeRepository) GetNodesByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowNode, error) {
	query := `
		SELECT id, workflow_id, node_definition_id, config, position_x, position_y, previous_node_id, previous_label
		FROM workflow_nodes
		WHERE workflow_id = $1
		ORDER BY created_at, id
	`

	rows, err := nr.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow nodes: %w", err)
	}

	defer closeRows(ctx, nr.logger, rows)

	nodes := make([]*models.WorkflowNode, 0)
	byID := make(map[string]*models.WorkflowNode)

	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}

		nodes = append(nodes, node)
		byID[node.ID] = node
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	if err := nr.loadOutputs(ctx, workflowID, byID); err != nil {
		return nil, err
	}

	if err := nr.loadEdges(ctx, workflowID, byID); err != nil {
		return nil, err
	}

	return nodes, nil
}

func (nr *NodeRepository) loadOutputs(ctx context.Context, workflowID string, byID map[string]*models.WorkflowNode) error {
	rows, err := nr.db.QueryContext(ctx, "SELECT node_id, label FROM node_outputs WHERE workflow_id = $1 ORDER BY seq", workflowID)
	if err != nil {
		return fmt.Errorf("failed to query node outputs: %w", err)
	}

	defer closeRows(ctx, nr.logger, rows)

	for rows.Next() {
		var nodeID, label string
		if err := rows.Scan(&nodeID, &label); err != nil {
			return fmt.Errorf("failed to scan node output: %w", err)
		}

		if node, ok := byID[nodeID]; ok {
			node.Next = append(node.Next, models.NodeOutput{Label: label, Targets: []string{}})
		}
	}

	return rows.Err()
}

func (nr *NodeRepository) loadEdges(ctx context.Context, workflowID string, byID map[string]*models.WorkflowNode) error {
	rows, err := nr.db.QueryContext(ctx, "SELECT from_node_id, label, to_node_id FROM node_edges WHERE workflow_id = $1 ORDER BY seq", workflowID)
	if err != nil {
		return fmt.Errorf("failed to query node edges: %w", err)
	}

	defer closeRows(ctx, nr.logger, rows)

	for rows.Next() {
		var fromID, label, toID string
		if err := rows.Scan(&fromID, &label, &toID); err != nil {
			return fmt.Errorf("failed to scan node edge: %w", err)
		}

		if node, ok := byID[fromID]; ok {
			if output := node.Output(label); output != nil {
				output.Targets = append(output.Targets, toID)
			}
		}
	}

	return rows.Err()
}

// WithinTx runs fn in one transaction; any error rolls back every write made through the writer.
func (nr *NodeRepository) WithinTx(ctx context.Context, _ string, fn func(writer persistence.NodeWriter) error) error {
	return withTx(ctx, nr.db, nr.logger, func(tx *sql.Tx) error {
		return fn(&nodeWriter{tx: tx})
	})
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

type nodeWriter struct {
	tx *sql.Tx
}

// CreateNode inserts the node row and one bucket row per label.
func (w *nodeWriter) CreateNode(ctx context.Context, node *models.WorkflowNode, labels []string) error {
	configJSON, err := json.Marshal(orEmpty(node.Config))
	if err != nil {
		return fmt.Errorf("failed to marshal node configuration: %w", err)
	}

	err = execOne(ctx, w.tx, `
		INSERT INTO workflow_nodes (id, workflow_id, node_definition_id, config, position_x, position_y)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, node.ID, node.WorkflowID, node.NodeDefinitionID, configJSON, node.Position.X, node.Position.Y)
	if isForeignKeyViolation(err) {
		return persistence.NewWorkflowError("CreateNode", node.WorkflowID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}

	for _, label := range labels {
		err := execOne(ctx, w.tx, "INSERT INTO node_outputs (workflow_id, node_id, label) VALUES ($1, $2, $3)", node.WorkflowID, node.ID, label)
		if err != nil {
			return fmt.Errorf("failed to insert output %s: %w", label, err)
		}
	}

	return nil
}

// UpdateNode updates config and position.
func (w *nodeWriter) UpdateNode(ctx context.Context, node *models.WorkflowNode) error {
	configJSON, err := json.Marshal(orEmpty(node.Config))
	if err != nil {
		return fmt.Errorf("failed to marshal node configuration: %w", err)
	}

	err = execOne(ctx, w.tx, `
		UPDATE workflow_nodes SET config = $3, position_x = $4, position_y = $5
		WHERE workflow_id = $1 AND id = $2
	`, node.WorkflowID, node.ID, configJSON, node.Position.X, node.Position.Y)

	return notFound("UpdateNode", node.WorkflowID, node.ID, err)
}

// DeleteNode removes the node row. Buckets and edges cascade; children lose their parent pointer.
func (w *nodeWriter) DeleteNode(ctx context.Context, workflowID, nodeID string) error {
	_, err := w.tx.ExecContext(ctx, `
		UPDATE workflow_nodes SET previous_node_id = NULL, previous_label = NULL
		WHERE workflow_id = $1 AND previous_node_id = $2
	`, workflowID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to detach children: %w", err)
	}

	err = execOne(ctx, w.tx, "DELETE FROM workflow_nodes WHERE workflow_id = $1 AND id = $2", workflowID, nodeID)

	return notFound("DeleteNode", workflowID, nodeID, err)
}

// Connect inserts the edge row and sets the parent pointer of toID.
func (w *nodeWriter) Connect(ctx context.Context, workflowID, fromID, label, toID string) error {
	err := execOne(ctx, w.tx, `
		INSERT INTO node_edges (workflow_id, from_node_id, label, to_node_id)
		VALUES ($1, $2, $3, $4)
	`, workflowID, fromID, label, toID)
	if isForeignKeyViolation(err) {
		return persistence.NewNodeError("Connect", workflowID, fromID, persistence.ErrNodeNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to insert edge: %w", err)
	}

	err = execOne(ctx, w.tx, `
		UPDATE workflow_nodes SET previous_node_id = $3, previous_label = $4
		WHERE workflow_id = $1 AND id = $2 AND previous_node_id IS NULL
	`, workflowID, toID, fromID, label)

	return notFound("Connect", workflowID, toID, err)
}

// Disconnect removes the edge row and clears the parent pointer.
func (w *nodeWriter) Disconnect(ctx context.Context, workflowID, nodeID string) error {
	_, err := w.tx.ExecContext(ctx, "DELETE FROM node_edges WHERE workflow_id = $1 AND to_node_id = $2", workflowID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}

	err = execOne(ctx, w.tx, `
		UPDATE workflow_nodes SET previous_node_id = NULL, previous_label = NULL
		WHERE workflow_id = $1 AND id = $2
	`, workflowID, nodeID)

	return notFound("Disconnect", workflowID, nodeID, err)
}

// notFound maps a zero row count onto ErrNodeNotFound.
func notFound(op, workflowID, nodeID string, err error) error {
	if err == nil {
		return nil
	}

	if persistence.IsUnexpectedRowCount(err) {
		return persistence.NewNodeError(op, workflowID, nodeID, persistence.ErrNodeNotFound)
	}

	return fmt.Errorf("%s failed: %w", op, err)
}

func scanNode(row scanner) (*models.WorkflowNode, error) {
	var (
		node          models.WorkflowNode
		configJSON    []byte
		previousID    sql.NullString
		previousLabel sql.NullString
	)

	err := row.Scan(
		&node.ID,
		&node.WorkflowID,
		&node.NodeDefinitionID,
		&configJSON,
		&node.Position.X,
		&node.Position.Y,
		&previousID,
		&previousLabel,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(configJSON, &node.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node config: %w", err)
	}

	if previousID.Valid {
		node.Previous = &models.NodeOutputRef{NodeID: previousID.String, Label: previousLabel.String}
	}

	node.Next = []models.NodeOutput{}

	return &node, nil
}

func orEmpty(config map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}

	return config
}
