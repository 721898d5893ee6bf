package domain

import "time"

type LogState string

const (
	LogStateInProgress         LogState = "in_progress"
	LogStateSuccess            LogState = "success"
	LogStateFailed             LogState = "failed"
	LogStateDroppedOutOfWindow LogState = "dropped_out_of_window"
)

// OperationLog records one run of a scheduled operation.
type OperationLog struct {
	ID          string
	OperationID string

	ExpectStartTime time.Time
	TriggeredTime   time.Time
	ActualStartTime *time.Time
	EndTime         *time.Time

	State     LogState
	Error     string
	ExtraInfo map[string]string

	CreatedAt time.Time
}

// LogUpdate is a partial update of an OperationLog. Nil fields are left untouched.
type LogUpdate struct {
	State     *LogState
	EndTime   *time.Time
	Error     *string
	ExtraInfo map[string]string
}
