// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidLabel          = errors.New("label is not declared by the node definition")
	ErrInvalidPrevious       = errors.New("invalid previous node configuration")
	ErrTriggerHasPrevious    = errors.New("trigger nodes cannot have a previous node")
	ErrUnknownNodeDefinition = errors.New("unknown node definition")
	ErrInvalidConfig         = errors.New("invalid node configuration")
	ErrSelfConnection        = errors.New("a node cannot be connected to itself")
	ErrCycle                 = errors.New("connection would create a cycle")
	ErrEmptyOwnerID          = errors.New("owner ID cannot be empty")

	// Business Logic Conflicts (409 Conflict).
	ErrAlreadyConnected = errors.New("node already has a previous node")
	ErrNotConnected     = errors.New("node has no previous node")
	ErrNotRunning       = errors.New("execution is not running")

	// Authorization (403 Forbidden).
	ErrPermissionDenied = errors.New("permission denied")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidLabel) ||
		errors.Is(err, ErrInvalidPrevious) ||
		errors.Is(err, ErrTriggerHasPrevious) ||
		errors.Is(err, ErrUnknownNodeDefinition) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrSelfConnection) ||
		errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrEmptyOwnerID)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNotRunning)
}

// IsPermissionDenied checks if an error should return HTTP 403.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewPermissionError reports that actorID may not perform action on resourceType.
func NewPermissionError(op, actorID, action, resourceType string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "permission_denied",
		Message: fmt.Sprintf("actor %q cannot %s %s", actorID, action, resourceType),
		Err:     ErrPermissionDenied,
	}
}
