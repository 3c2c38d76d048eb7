// Package execution runs workflow graphs and records their trace trees.
package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrNotTriggered is returned by StartRun when the trigger did not fire.
	ErrNotTriggered = errors.New("trigger did not fire")
	// ErrTriggerEvaluation wraps an error returned by a trigger's IsTriggered.
	ErrTriggerEvaluation = errors.New("trigger evaluation failed")
	// ErrNotATrigger is returned when a run is started from a node that is not a trigger.
	ErrNotATrigger = errors.New("node is not a trigger")
	// ErrUndeclaredLabel is returned when a run is started on a label the trigger does not declare.
	ErrUndeclaredLabel = errors.New("label is not declared by the trigger")
	// ErrWorkflowDisabled is returned when a run is started on a disabled workflow.
	ErrWorkflowDisabled = errors.New("workflow is disabled")
	// ErrUnknownNode is recorded when a node's definition is missing from the catalog.
	ErrUnknownNode = errors.New("node definition not registered")
)

// PanicError is recorded when a node panics.
type PanicError struct {
	NodeID string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}
