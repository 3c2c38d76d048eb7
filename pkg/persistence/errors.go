// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNodeNotFound indicates a node was not found by the given identifier.
	ErrNodeNotFound = errors.New("node not found")

	// ErrPolicyNotFound indicates a policy was not found by the given identifier.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrUnexpectedRowCount indicates a write touched a number of rows other than one.
	ErrUnexpectedRowCount = errors.New("unexpected affected row count")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	WorkflowID string // Workflow ID if applicable
	Err        error  // Underlying error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// NodeError wraps node-related errors with additional context.
type NodeError struct {
	Op         string // Operation being performed
	WorkflowID string // Workflow ID
	NodeID     string // Node ID
	Err        error  // Underlying error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s operation failed for node %s in workflow %s: %v", e.Op, e.NodeID, e.WorkflowID, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a new node error with context.
func NewNodeError(op, workflowID, nodeID string, err error) *NodeError {
	return &NodeError{
		Op:         op,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Err:        err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsNodeNotFound checks if an error indicates a node was not found.
func IsNodeNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrExecutionNotFound)
}

// CheckRowCount returns ErrUnexpectedRowCount unless exactly one row was affected.
func CheckRowCount(affected int64) error {
	if affected != 1 {
		return fmt.Errorf("%w: %d", ErrUnexpectedRowCount, affected)
	}

	return nil
}

// IsUnexpectedRowCount checks if a write touched a number of rows other than one.
func IsUnexpectedRowCount(err error) bool {
	return errors.Is(err, ErrUnexpectedRowCount)
}
