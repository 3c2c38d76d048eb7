package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dukex/reactor/pkg/eventbus"
	"github.com/dukex/reactor/pkg/events"
	"github.com/dukex/reactor/pkg/graph"
	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// CreateWorkflowRequest describes a new workflow. The actor becomes its owner.
type CreateWorkflowRequest struct {
	Name        string
	Description string
	Status      models.WorkflowStatus
}

// UpdateWorkflowRequest is a partial patch of the workflow row.
type UpdateWorkflowRequest struct {
	Name        *string
	Description *string
}

type Workflow struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	store       *graph.Store
	authorizer  Authorizer
	validate    *validator.Validate
	notifier    notifier
}

// NewWorkflow creates a new workflow service. publisher may be nil.
func NewWorkflow(
	logger *slog.Logger,
	p persistence.Persistence,
	store *graph.Store,
	authorizer Authorizer,
	publisher eventbus.EventPublisher,
) *Workflow {
	return &Workflow{
		logger:      logger,
		persistence: p,
		store:       store,
		authorizer:  authorizer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		notifier:    notifier{logger: logger, publisher: publisher},
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (w *Workflow) authorize(ctx context.Context, actor models.Actor, action, workflowID string) (*graph.Graph, error) {
	if err := w.authorizer.Authorize(ctx, actor, action, &workflowID, models.ResourceWorkflow, nil); err != nil {
		return nil, err
	}

	return w.store.Get(workflowID)
}

func (w *Workflow) validateRow(op string, workflow *models.Workflow) error {
	if err := w.validate.Struct(workflow); err != nil {
		return NewValidationError(op, "validation_error", err.Error(), ErrInvalidRequest)
	}

	return nil
}

// Create persists a new workflow and loads its empty graph.
func (w *Workflow) Create(ctx context.Context, actor models.Actor, req CreateWorkflowRequest) (*models.Workflow, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return nil, NewValidationError("Create", "empty_owner", "owner ID cannot be empty", ErrEmptyOwnerID)
	}

	if err := w.authorizer.Authorize(ctx, actor, models.ActionCreate, nil, models.ResourceWorkflow, nil); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Owner:       actor.ID,
		Status:      req.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusEnabled
	}

	if err := w.validateRow("Create", workflow); err != nil {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.store.Put(*workflow, nil)

	w.logger.InfoContext(ctx, "Created workflow", "workflow_id", workflow.ID, "owner", workflow.Owner)
	w.notifier.graphChanged(ctx, actor, workflow.ID, events.GraphChangeCreated, "")

	return workflow, nil
}

// FetchByID returns the workflow row.
func (w *Workflow) FetchByID(ctx context.Context, actor models.Actor, workflowID string) (*models.Workflow, error) {
	g, err := w.authorize(ctx, actor, models.ActionRead, workflowID)
	if err != nil {
		return nil, err
	}

	workflow := g.Workflow()

	return &workflow, nil
}

// Graph returns a snapshot of the workflow and its nodes.
func (w *Workflow) Graph(ctx context.Context, actor models.Actor, workflowID string) (*models.WorkflowGraph, error) {
	g, err := w.authorize(ctx, actor, models.ActionRead, workflowID)
	if err != nil {
		return nil, err
	}

	snapshot := g.Snapshot()

	return &snapshot, nil
}

// List returns the workflows the actor may read, newest first.
func (w *Workflow) List(ctx context.Context, actor models.Actor) ([]*models.Workflow, error) {
	workflows := make([]*models.Workflow, 0)

	for _, g := range w.store.Graphs() {
		id := g.ID()

		allowed, err := w.authorizer.Can(ctx, actor, models.ActionRead, &id, models.ResourceWorkflow, nil)
		if err != nil {
			if persistence.IsNotFound(err) {
				continue
			}

			return nil, err
		}

		if allowed {
			workflow := g.Workflow()
			workflows = append(workflows, &workflow)
		}
	}

	slices.SortStableFunc(workflows, func(a, b *models.Workflow) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	return workflows, nil
}

// Update patches name and description.
func (w *Workflow) Update(ctx context.Context, actor models.Actor, workflowID string, req UpdateWorkflowRequest) (*models.Workflow, error) {
	return w.mutate(ctx, actor, "Update", workflowID, events.GraphChangeUpdated, func(workflow *models.Workflow) {
		if req.Name != nil {
			workflow.Name = *req.Name
		}

		if req.Description != nil {
			workflow.Description = *req.Description
		}
	})
}

// Enable makes the workflow's triggers fire.
func (w *Workflow) Enable(ctx context.Context, actor models.Actor, workflowID string) (*models.Workflow, error) {
	return w.setStatus(ctx, actor, workflowID, models.WorkflowStatusEnabled)
}

// Disable stops the workflow's triggers. The graph stays editable.
func (w *Workflow) Disable(ctx context.Context, actor models.Actor, workflowID string) (*models.Workflow, error) {
	return w.setStatus(ctx, actor, workflowID, models.WorkflowStatusDisabled)
}

func (w *Workflow) setStatus(ctx context.Context, actor models.Actor, workflowID string, status models.WorkflowStatus) (*models.Workflow, error) {
	return w.mutate(ctx, actor, "SetStatus", workflowID, events.GraphChangeStatus, func(workflow *models.Workflow) {
		workflow.Status = status
	})
}

func (w *Workflow) mutate(
	ctx context.Context,
	actor models.Actor,
	op string,
	workflowID string,
	change events.GraphChange,
	patch func(workflow *models.Workflow),
) (*models.Workflow, error) {
	g, err := w.authorize(ctx, actor, models.ActionUpdate, workflowID)
	if err != nil {
		return nil, err
	}

	var updated models.Workflow

	err = g.Update(func(tx *graph.Tx) error {
		workflow := tx.Workflow()
		patch(&workflow)
		workflow.UpdatedAt = time.Now().UTC()

		if err := w.validateRow(op, &workflow); err != nil {
			return err
		}

		if err := w.persistence.WorkflowRepository().Save(ctx, &workflow); err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}

		tx.SetWorkflow(workflow)
		updated = workflow

		return nil
	})
	if err != nil {
		return nil, err
	}

	w.logger.InfoContext(ctx, "Updated workflow", "workflow_id", workflowID, "status", updated.Status)
	w.notifier.graphChanged(ctx, actor, workflowID, change, "")

	return &updated, nil
}

// Delete removes the workflow with its graph.
func (w *Workflow) Delete(ctx context.Context, actor models.Actor, workflowID string) error {
	g, err := w.authorize(ctx, actor, models.ActionDelete, workflowID)
	if err != nil {
		return err
	}

	err = g.Update(func(_ *graph.Tx) error {
		return w.persistence.WorkflowRepository().Delete(ctx, workflowID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	w.store.Remove(workflowID)

	w.logger.InfoContext(ctx, "Deleted workflow", "workflow_id", workflowID)
	w.notifier.graphChanged(ctx, actor, workflowID, events.GraphChangeDeleted, "")

	return nil
}
