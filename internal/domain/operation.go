package domain

import "time"

type OperationType string

const (
	OperationTypeProtect          OperationType = "protect"
	OperationTypeRetentionProtect OperationType = "retention_protect"
)

type ScheduledOperation struct {
	ID            string
	Name          string
	OperationType OperationType
	Definition    map[string]string

	TriggerID string
	UserID    string
	ProjectID string
	Enabled   bool

	CreatedAt time.Time
}

// RequestCredentials identify the user on whose behalf an operation is created
// or deleted. Token is the caller's short-lived token.
type RequestCredentials struct {
	UserID    string
	ProjectID string
	Token     string
}

type RunType string

const (
	RunTypeExecute RunType = "execute"
	RunTypeResume  RunType = "resume"
)

// RunParams describe a single invocation of an operation.
type RunParams struct {
	OperationID string
	TriggerID   string
	UserID      string
	ProjectID   string

	TriggeredTime   time.Time
	ExpectStartTime time.Time
	Window          time.Duration

	RunType RunType
}

// Deadline is the end of the run's window.
func (p RunParams) Deadline() time.Time {
	return p.ExpectStartTime.Add(p.Window)
}
