package domain

import "time"

type TriggerType string

const (
	TriggerTypeTime TriggerType = "time"
)

// TriggerDefinition is the raw, unvalidated trigger property set as received
// from the API layer.
type TriggerDefinition struct {
	Format    string `json:"format"`
	Pattern   string `json:"pattern"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
	Window    int    `json:"window,omitempty"` // seconds; 0 means the configured minimum
}

type Trigger struct {
	ID        string
	Name      string
	ProjectID string
	Type      TriggerType

	Definition TriggerDefinition

	CreatedAt time.Time
}

// LedgerRow is the next instant at which a trigger should fire.
// At most one row exists per trigger.
type LedgerRow struct {
	ID            string
	TriggerID     string
	ExecutionTime time.Time
}
