package task

import "errors"

// Sentinel errors for task operations. Callers match with errors.Is.
var (
	// ErrTaskNotFound indicates the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAssignmentNotFound indicates no matching assignment exists.
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrInvalidStatus indicates an unknown assignment state was given.
	ErrInvalidStatus = errors.New("invalid assignment status")
)
