package models

import (
	"sync"
	"time"
)

// ExecutionStatus defines the states of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no transition may leave the status.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionStatusRunning
}

// Statistics accumulate additively from traces into their execution.
type Statistics struct {
	NodesExecuted   int           `json:"nodes_executed"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	Duration        time.Duration `json:"duration"`
}

// Add folds other into s.
func (s *Statistics) Add(other Statistics) {
	s.NodesExecuted += other.NodesExecuted
	s.BytesUploaded += other.BytesUploaded
	s.BytesDownloaded += other.BytesDownloaded
	s.Duration += other.Duration
}

// ExecutionTrace records one node invocation within a run.
type ExecutionTrace struct {
	ID               int64             `json:"id,omitempty"` // Assigned on persist
	Step             int               `json:"step"`
	WorkflowNodeID   string            `json:"workflow_node_id"`
	NodeDefinitionID string            `json:"node_definition_id"`
	Label            string            `json:"label"`
	Input            any               `json:"input,omitempty"`
	Output           any               `json:"output,omitempty"`
	Config           map[string]any    `json:"config,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	Errors           []string          `json:"errors,omitempty"`
	Statistics       Statistics        `json:"statistics"`
	Previous         *int              `json:"previous,omitempty"` // Parent step index
	Next             []*ExecutionTrace `json:"next,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
}

// Walk visits the tree in pre-order, parents before children.
func (t *ExecutionTrace) Walk(visit func(trace *ExecutionTrace) error) error {
	if err := visit(t); err != nil {
		return err
	}

	for _, child := range t.Next {
		if err := child.Walk(visit); err != nil {
			return err
		}
	}

	return nil
}

// Depth returns the number of levels in the tree rooted at t.
func (t *ExecutionTrace) Depth() int {
	deepest := 0

	for _, child := range t.Next {
		deepest = max(deepest, child.Depth())
	}

	return deepest + 1
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Owner      string          `json:"owner"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	Trace      *ExecutionTrace `json:"trace,omitempty"`
	Statistics Statistics      `json:"statistics"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`

	mu sync.RWMutex
}

// CurrentStatus reads the status under the execution lock.
func (e *WorkflowExecution) CurrentStatus() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.Status
}

// IsRunning is the cheap short-circuit checked before every dispatch.
func (e *WorkflowExecution) IsRunning() bool {
	return e.CurrentStatus() == ExecutionStatusRunning
}

// Transition moves a running execution to a terminal status. It returns false when the
// execution already left running; terminal states are final.
func (e *WorkflowExecution) Transition(status ExecutionStatus, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Status != ExecutionStatusRunning || status == ExecutionStatusRunning {
		return false
	}

	e.Status = status
	if reason != "" && e.Error == "" {
		e.Error = reason
	}

	return true
}

// Attributes exposes the execution as a resource for permission conditions.
func (e *WorkflowExecution) Attributes() map[string]any {
	return map[string]any{
		"id":          e.ID,
		"workflow_id": e.WorkflowID,
		"owner":       e.Owner,
		"status":      string(e.CurrentStatus()),
	}
}

// Row returns a copy of the execution's scalar fields, without the trace tree.
func (e *WorkflowExecution) Row() *WorkflowExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &WorkflowExecution{
		ID:         e.ID,
		WorkflowID: e.WorkflowID,
		Owner:      e.Owner,
		Status:     e.Status,
		Error:      e.Error,
		Statistics: e.Statistics,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
	}
}

// Finalize records the aggregate statistics and the finish time.
func (e *WorkflowExecution) Finalize(statistics Statistics, finishedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Statistics = statistics
	e.FinishedAt = &finishedAt
}
