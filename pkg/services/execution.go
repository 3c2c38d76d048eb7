package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/reactor/pkg/models"
)

// ExecutionReader returns runs, live or persisted.
type ExecutionReader interface {
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
}

// Canceller flips a live run to cancelled. It reports false when the run is not running.
type Canceller interface {
	Cancel(executionID, reason string) bool
}

// Executions exposes runs to callers.
type Executions struct {
	logger     *slog.Logger
	reader     ExecutionReader
	canceller  Canceller
	authorizer Authorizer
}

func NewExecutions(logger *slog.Logger, reader ExecutionReader, canceller Canceller, authorizer Authorizer) *Executions {
	return &Executions{
		logger:     logger,
		reader:     reader,
		canceller:  canceller,
		authorizer: authorizer,
	}
}

// Get returns one run with its trace tree.
func (e *Executions) Get(ctx context.Context, actor models.Actor, executionID string) (*models.WorkflowExecution, error) {
	if err := e.authorizer.Authorize(ctx, actor, models.ActionRead, &executionID, models.ResourceExecution, nil); err != nil {
		return nil, err
	}

	return e.reader.GetByID(ctx, executionID)
}

// List returns the runs of a workflow, newest first.
func (e *Executions) List(ctx context.Context, actor models.Actor, workflowID string) ([]*models.WorkflowExecution, error) {
	if err := e.authorizer.Authorize(ctx, actor, models.ActionRead, &workflowID, models.ResourceWorkflow, nil); err != nil {
		return nil, err
	}

	return e.reader.ListByWorkflow(ctx, workflowID)
}

// Cancel stops a running execution before its next step.
func (e *Executions) Cancel(ctx context.Context, actor models.Actor, executionID string) error {
	if err := e.authorizer.Authorize(ctx, actor, models.ActionCancel, &executionID, models.ResourceExecution, nil); err != nil {
		return err
	}

	if !e.canceller.Cancel(executionID, "cancelled by "+actor.ID) {
		return &ServiceError{
			Op:      "Cancel",
			Code:    "not_running",
			Message: fmt.Sprintf("execution %s is not running", executionID),
			Err:     ErrNotRunning,
		}
	}

	e.logger.InfoContext(ctx, "Cancelled execution", "execution_id", executionID, "actor", actor.ID)

	return nil
}
