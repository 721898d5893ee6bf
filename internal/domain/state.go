package domain

import "time"

type OperationStateValue string

const (
	OperationStateRegistered OperationStateValue = "registered"
	OperationStateTriggered  OperationStateValue = "triggered"
	OperationStateRunning    OperationStateValue = "running"
	OperationStateDeleted    OperationStateValue = "deleted"
)

// OperationState is the per-operation engine state, one row per
// ScheduledOperation.
type OperationState struct {
	OperationID string
	ServiceID   string
	TrustID     string
	State       OperationStateValue

	// EndTimeForRun is set when the state moves to triggered and is used to
	// decide staleness on resume.
	EndTimeForRun *time.Time
}

// StateUpdate is a partial update of an OperationState. Nil fields are left untouched.
type StateUpdate struct {
	State         *OperationStateValue
	EndTimeForRun *time.Time
}

// StateFilter selects operation states; zero fields match everything.
type StateFilter struct {
	ServiceID string
	States    []OperationStateValue
}

// StateWithOperation joins a state row with its operation.
type StateWithOperation struct {
	State     OperationState
	Operation ScheduledOperation
}
