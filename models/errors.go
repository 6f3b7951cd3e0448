package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before it reaches storage.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown issue or cluster ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a status change the workflow forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConcurrencyConflict signals lock or version contention; callers retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrIndexCorruption means the spatial index and the cluster store diverged.
	ErrIndexCorruption = errors.New("spatial index corruption")
)

// ValidationError describes which field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError is returned by status updates the workflow does not allow.
type TransitionError struct {
	From IssueStatus
	To   IssueStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move issue from %q to %q", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
