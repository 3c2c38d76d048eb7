package execution

import (
	"context"
	"fmt"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// Persist writes the trace tree in pre-order, then the execution row, in one transaction.
// Any failed insert rolls the whole run back. Trace ids are set only once the transaction
// commits.
func (e *Engine) Persist(ctx context.Context, execution *models.WorkflowExecution) error {
	ids := make(map[*models.ExecutionTrace]int64)

	err := e.executions.WithinTx(ctx, func(writer persistence.ExecutionWriter) error {
		clear(ids)

		var rootID *int64

		if execution.Trace != nil {
			id, err := insertTrace(ctx, writer, execution.ID, execution.Trace, nil, ids)
			if err != nil {
				return err
			}

			rootID = &id
		}

		if err := writer.InsertExecution(ctx, execution, rootID); err != nil {
			return fmt.Errorf("failed to insert execution row: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for record, id := range ids {
		record.ID = id
	}

	return nil
}

func insertTrace(
	ctx context.Context,
	writer persistence.ExecutionWriter,
	executionID string,
	record *models.ExecutionTrace,
	parentID *int64,
	ids map[*models.ExecutionTrace]int64,
) (int64, error) {
	id, err := writer.InsertTrace(ctx, executionID, record, parentID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trace of step %d: %w", record.Step, err)
	}

	ids[record] = id

	for _, child := range record.Next {
		if _, err := insertTrace(ctx, writer, executionID, child, &id, ids); err != nil {
			return 0, err
		}
	}

	return id, nil
}
