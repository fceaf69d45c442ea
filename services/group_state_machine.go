package services

import (
	"fmt"

	"app-hivepay/models"
)

// GroupStateMachine manages valid state transitions for groups
type GroupStateMachine struct {
	validTransitions map[string][]string
}

// NewGroupStateMachine creates a new state machine with predefined rules
func NewGroupStateMachine() *GroupStateMachine {
	return &GroupStateMachine{
		validTransitions: map[string][]string{
			models.GroupStatusInitialized: {
				models.GroupStatusActive, // Admin starts the cycle
			},
			models.GroupStatusActive: {
				models.GroupStatusPaused, // Payment failures, subscription loss, admin, all paid
				models.GroupStatusEnded,  // Admin ends the group
			},
			models.GroupStatusPaused: {
				models.GroupStatusActive, // Admin retries
				models.GroupStatusEnded,  // Admin ends the group
			},
			models.GroupStatusEnded: {
				// Terminal state
			},
		},
	}
}

// ValidateTransition checks if a state transition is valid
func (sm *GroupStateMachine) ValidateTransition(fromStatus, toStatus string) error {
	validNextStates, exists := sm.validTransitions[fromStatus]
	if !exists {
		return fmt.Errorf("unknown group status: %s", fromStatus)
	}
	for _, validState := range validNextStates {
		if validState == toStatus {
			return nil
		}
	}
	return fmt.Errorf("invalid group transition from %s to %s", fromStatus, toStatus)
}

// IsTerminal reports whether a status has no outgoing transitions
func (sm *GroupStateMachine) IsTerminal(status string) bool {
	return len(sm.validTransitions[status]) == 0
}
