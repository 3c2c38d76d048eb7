package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dukex/reactor/pkg/models"
	"github.com/dukex/reactor/pkg/persistence"
)

// executionDocument is the on-disk layout of one run: the execution row plus its trace rows
// in insertion (pre-) order.
type executionDocument struct {
	Execution   *models.WorkflowExecution `json:"execution"`
	RootTraceID *int64                    `json:"root_trace_id,omitempty"`
	Traces      []traceRow                `json:"traces"`
}

type traceRow struct {
	ParentID *int64                `json:"parent_id,omitempty"`
	Trace    *models.ExecutionTrace `json:"trace"`
}

// ExecutionRepository stores finished runs under executions/.
type ExecutionRepository struct {
	fp *Persistence

	sequence       int64
	sequenceLoaded bool
}

func (er *ExecutionRepository) documentPath(executionID string) string {
	return er.fp.path("executions", executionID+".json")
}

// loadSequence seeds the trace id sequence from the highest stored id. Callers hold fp.mu.
func (er *ExecutionRepository) loadSequence() error {
	if er.sequenceLoaded {
		return nil
	}

	docs, err := er.loadAll()
	if err != nil {
		return err
	}

	for _, doc := range docs {
		for _, row := range doc.Traces {
			er.sequence = max(er.sequence, row.Trace.ID)
		}
	}

	er.sequenceLoaded = true

	return nil
}

func (er *ExecutionRepository) loadAll() ([]*executionDocument, error) {
	files, err := filepath.Glob(er.fp.path("executions", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	docs := make([]*executionDocument, 0, len(files))

	for _, file := range files {
		var doc executionDocument
		if err := readJSON(file, &doc); err != nil {
			return nil, err
		}

		docs = append(docs, &doc)
	}

	return docs, nil
}

// WithinTx buffers every insert and writes the documents only when fn succeeds.
func (er *ExecutionRepository) WithinTx(_ context.Context, fn func(writer persistence.ExecutionWriter) error) error {
	er.fp.mu.Lock()
	defer er.fp.mu.Unlock()

	if err := er.loadSequence(); err != nil {
		return err
	}

	writer := &executionWriter{
		sequence: er.sequence,
		docs:     make(map[string]*executionDocument),
	}

	if err := fn(writer); err != nil {
		return err
	}

	for executionID, doc := range writer.docs {
		if doc.Execution == nil {
			return fmt.Errorf("traces of execution %s were inserted without the execution row", executionID)
		}

		if err := validateID(executionID); err != nil {
			return err
		}
	}

	for executionID, doc := range writer.docs {
		if err := writeJSON(er.documentPath(executionID), doc); err != nil {
			return err
		}
	}

	er.sequence = writer.sequence

	return nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, executionID string) (*models.WorkflowExecution, error) {
	er.fp.mu.Lock()
	defer er.fp.mu.Unlock()

	if err := validateID(executionID); err != nil {
		return nil, err
	}

	var doc executionDocument

	err := readJSON(er.documentPath(executionID), &doc)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("execution %s: %w", executionID, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, err
	}

	return doc.assemble(), nil
}

// ListByWorkflow returns the runs of workflowID, most recent first.
func (er *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	er.fp.mu.Lock()
	defer er.fp.mu.Unlock()

	docs, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	executions := make([]*models.WorkflowExecution, 0)

	for _, doc := range docs {
		if doc.Execution.WorkflowID == workflowID {
			executions = append(executions, doc.assemble())
		}
	}

	sort.SliceStable(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})

	return executions, nil
}

// assemble rebuilds the trace tree from the flat rows.
func (doc *executionDocument) assemble() *models.WorkflowExecution {
	execution := doc.Execution
	byID := make(map[int64]*models.ExecutionTrace, len(doc.Traces))

	for _, row := range doc.Traces {
		trace := row.Trace
		byID[trace.ID] = trace

		if row.ParentID == nil {
			continue
		}

		if parent, ok := byID[*row.ParentID]; ok {
			parent.Next = append(parent.Next, trace)
		}
	}

	if doc.RootTraceID != nil {
		execution.Trace = byID[*doc.RootTraceID]
	}

	return execution
}

type executionWriter struct {
	sequence int64
	docs     map[string]*executionDocument
}

func (w *executionWriter) doc(executionID string) *executionDocument {
	doc, ok := w.docs[executionID]
	if !ok {
		doc = &executionDocument{Traces: []traceRow{}}
		w.docs[executionID] = doc
	}

	return doc
}

func (w *executionWriter) InsertTrace(_ context.Context, executionID string, trace *models.ExecutionTrace, parentID *int64) (int64, error) {
	doc := w.doc(executionID)

	if parentID != nil {
		found := false

		for _, row := range doc.Traces {
			if row.Trace.ID == *parentID {
				found = true

				break
			}
		}

		if !found {
			return 0, fmt.Errorf("parent trace %d: %w", *parentID, persistence.ErrUnexpectedRowCount)
		}
	}

	w.sequence++

	row := *trace
	row.ID = w.sequence
	row.Next = nil

	doc.Traces = append(doc.Traces, traceRow{ParentID: parentID, Trace: &row})

	return row.ID, nil
}

func (w *executionWriter) InsertExecution(_ context.Context, execution *models.WorkflowExecution, rootTraceID *int64) error {
	doc := w.doc(execution.ID)
	if doc.Execution != nil {
		return fmt.Errorf("execution %s: %w", execution.ID, persistence.ErrUnexpectedRowCount)
	}

	doc.Execution = execution.Row()
	doc.RootTraceID = rootTraceID

	return nil
}
