package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// ExecutionRepository handles runs and their trace rows.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// WithinTx runs fn in one transaction; any error rolls back every insert.
func (er *ExecutionRepository) WithinTx(ctx context.Context, fn func(writer persistence.ExecutionWriter) error) error {
	return withTx(ctx, er.db, er.logger, func(tx *sql.Tx) error {
		return fn(&executionWriter{tx: tx})
	})
}

type executionWriter struct {
	tx *sql.Tx
}

func (w *executionWriter) InsertTrace(ctx context.Context, executionID string, trace *models.ExecutionTrace, parentID *int64) (int64, error) {
	columns, err := marshalTrace(trace)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO execution_traces (
			execution_id, parent_id, step, workflow_node_id, node_definition_id, label,
			input, output, config, warnings, errors, statistics, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`

	var id int64

	err = w.tx.QueryRowContext(ctx, query,
		executionID,
		parentID,
		trace.Step,
		trace.WorkflowNodeID,
		trace.NodeDefinitionID,
		trace.Label,
		columns.input,
		columns.output,
		columns.config,
		columns.warnings,
		columns.errors,
		columns.statistics,
		trace.StartedAt,
		trace.FinishedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("trace step %d: %w", trace.Step, persistence.ErrUnexpectedRowCount)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to insert trace step %d: %w", trace.Step, err)
	}

	return id, nil
}

func (w *executionWriter) InsertExecution(ctx context.Context, execution *models.WorkflowExecution, rootTraceID *int64) error {
	row := execution.Row()

	statistics, err := json.Marshal(row.Statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}

	err = execOne(ctx, w.tx, `
		INSERT INTO executions (id, workflow_id, owner, status, error, root_trace_id, statistics, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, row.ID, row.WorkflowID, row.Owner, row.Status, row.Error, rootTraceID, statistics, row.StartedAt, row.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", row.ID, err)
	}

	return nil
}

// GetByID loads the execution and rebuilds its trace tree.
func (er *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `
		SELECT id, workflow_id, owner, status, error, root_trace_id, statistics, started_at, finished_at
		FROM executions
		WHERE id = $1
	`

	execution, rootTraceID, err := scanExecution(er.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}

	if rootTraceID.Valid {
		execution.Trace, err = er.loadTree(ctx, id, rootTraceID.Int64)
		if err != nil {
			return nil, err
		}
	}

	return execution, nil
}

// ListByWorkflow returns the runs of workflowID, most recent first, without traces.
func (er *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT id, workflow_id, owner, status, error, root_trace_id, statistics, started_at, finished_at
		FROM executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC
	`

	rows, err := er.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, er.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, _, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (er *ExecutionRepository) loadTree(ctx context.Context, executionID string, rootID int64) (*models.ExecutionTrace, error) {
	query := `
		SELECT id, parent_id, step, workflow_node_id, node_definition_id, label,
			input, output, config, warnings, errors, statistics, started_at, finished_at
		FROM execution_traces
		WHERE execution_id = $1
		ORDER BY id
	`

	rows, err := er.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}

	defer closeRows(ctx, er.logger, rows)

	byID := make(map[int64]*models.ExecutionTrace)

	for rows.Next() {
		trace, parentID, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace: %w", err)
		}

		byID[trace.ID] = trace

		if parentID.Valid {
			if parent, ok := byID[parentID.Int64]; ok {
				step := parent.Step
				trace.Previous = &step
				parent.Next = append(parent.Next, trace)
			}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating traces: %w", err)
	}

	return byID[rootID], nil
}

type traceColumns struct {
	input, output, config, warnings, errors, statistics []byte
}

func marshalTrace(trace *models.ExecutionTrace) (traceColumns, error) {
	var (
		columns traceColumns
		err     error
	)

	fields := []struct {
		dst   *[]byte
		value any
	}{
		{&columns.input, trace.Input},
		{&columns.output, trace.Output},
		{&columns.config, trace.Config},
		{&columns.warnings, nonNil(trace.Warnings)},
		{&columns.errors, nonNil(trace.Errors)},
		{&columns.statistics, trace.Statistics},
	}

	for _, field := range fields {
		*field.dst, err = json.Marshal(field.value)
		if err != nil {
			return columns, fmt.Errorf("failed to marshal trace step %d: %w", trace.Step, err)
		}
	}

	return columns, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}

func scanTrace(row scanner) (*models.ExecutionTrace, sql.NullInt64, error) {
	var (
		trace    models.ExecutionTrace
		parentID sql.NullInt64
		columns  traceColumns
	)

	err := row.Scan(
		&trace.ID,
		&parentID,
		&trace.Step,
		&trace.WorkflowNodeID,
		&trace.NodeDefinitionID,
		&trace.Label,
		&columns.input,
		&columns.output,
		&columns.config,
		&columns.warnings,
		&columns.errors,
		&columns.statistics,
		&trace.StartedAt,
		&trace.FinishedAt,
	)
	if err != nil {
		return nil, parentID, err
	}

	targets := []struct {
		src []byte
		dst any
	}{
		{columns.input, &trace.Input},
		{columns.output, &trace.Output},
		{columns.config, &trace.Config},
		{columns.warnings, &trace.Warnings},
		{columns.errors, &trace.Errors},
		{columns.statistics, &trace.Statistics},
	}

	for _, target := range targets {
		if len(target.src) == 0 {
			continue
		}

		if err := json.Unmarshal(target.src, target.dst); err != nil {
			return nil, parentID, fmt.Errorf("failed to unmarshal trace %d: %w", trace.ID, err)
		}
	}

	return &trace, parentID, nil
}

func scanExecution(row scanner) (*models.WorkflowExecution, sql.NullInt64, error) {
	var (
		execution   models.WorkflowExecution
		rootTraceID sql.NullInt64
		statistics  []byte
		finishedAt  sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.Owner,
		&execution.Status,
		&execution.Error,
		&rootTraceID,
		&statistics,
		&execution.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, rootTraceID, err
	}

	if err := json.Unmarshal(statistics, &execution.Statistics); err != nil {
		return nil, rootTraceID, fmt.Errorf("failed to unmarshal statistics: %w", err)
	}

	if finishedAt.Valid {
		execution.FinishedAt = &finishedAt.Time
	}

	return &execution, rootTraceID, nil
}
