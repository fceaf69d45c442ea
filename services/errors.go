package services

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation marks a broken data invariant (missing payee,
// impossible cycle number). The transaction is rolled back, the violation
// is logged for operators, and the job is failed; there is no auto-recovery.
var ErrInvariantViolation = errors.New("invariant violation")

// ErrGroupNotActive is returned when an operation requires an active group
var ErrGroupNotActive = errors.New("group is not active")

// ErrAlreadyStarted is returned when starting a cycle on a started group
var ErrAlreadyStarted = errors.New("cycle already started")

// ErrNotPaused is returned when resuming a group that is not paused
var ErrNotPaused = errors.New("group is not paused")

// InvariantError wraps ErrInvariantViolation with the offending coordinates
type InvariantError struct {
	GroupID     uint
	CycleNumber int
	Detail      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in group %d cycle %d: %s", e.GroupID, e.CycleNumber, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}
