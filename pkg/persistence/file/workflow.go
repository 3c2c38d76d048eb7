package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// workflowDocument is the on-disk layout of one workflow and its graph rows.
type workflowDocument struct {
	Workflow *models.Workflow       `json:"workflow"`
	Nodes    []*models.WorkflowNode `json:"nodes"`
}

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	fp *Persistence
}

func (wr *WorkflowRepository) documentPath(workflowID string) string {
	return wr.fp.path("workflows", workflowID+".json")
}

// load reads the workflow document. Callers hold fp.mu.
func (wr *WorkflowRepository) load(workflowID string) (*workflowDocument, error) {
	if err := validateID(workflowID); err != nil {
		return nil, persistence.NewWorkflowError("load", workflowID, err)
	}

	var doc workflowDocument

	err := readJSON(wr.documentPath(workflowID), &doc)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewWorkflowError("load", workflowID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to fetch workflow %s: %w", workflowID, err)
	}

	return &doc, nil
}

func (wr *WorkflowRepository) store(doc *workflowDocument) error {
	return writeJSON(wr.documentPath(doc.Workflow.ID), doc)
}

// GetAll returns every workflow ordered by creation time.
func (wr *WorkflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	wr.fp.mu.Lock()
	defer wr.fp.mu.Unlock()

	files, err := filepath.Glob(wr.fp.path("workflows", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(files))

	for _, file := range files {
		var doc workflowDocument
		if err := readJSON(file, &doc); err != nil {
			return nil, err
		}

		workflows = append(workflows, doc.Workflow)
	}

	sort.SliceStable(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows, nil
}

// GetByID retrieves a workflow by its ID from the file system.
func (wr *WorkflowRepository) GetByID(_ context.Context, workflowID string) (*models.Workflow, error) {
	wr.fp.mu.Lock()
	defer wr.fp.mu.Unlock()

	doc, err := wr.load(workflowID)
	if err != nil {
		return nil, err
	}

	return doc.Workflow, nil
}

// Save inserts or updates the workflow row, keeping its graph rows.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	wr.fp.mu.Lock()
	defer wr.fp.mu.Unlock()

	doc, err := wr.load(workflow.ID)
	if persistence.IsWorkflowNotFound(err) {
		doc, err = &workflowDocument{Nodes: []*models.WorkflowNode{}}, nil
	}

	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now
	doc.Workflow = workflow

	return wr.store(doc)
}

// Delete removes a workflow and its graph rows.
func (wr *WorkflowRepository) Delete(_ context.Context, workflowID string) error {
	wr.fp.mu.Lock()
	defer wr.fp.mu.Unlock()

	if err := validateID(workflowID); err != nil {
		return persistence.NewWorkflowError("Delete", workflowID, err)
	}

	err := os.Remove(wr.documentPath(workflowID))
	if errors.Is(err, os.ErrNotExist) {
		return persistence.NewWorkflowError("Delete", workflowID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", workflowID, err)
	}

	return nil
}
