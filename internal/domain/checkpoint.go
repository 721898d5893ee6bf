package domain

import "time"

const CheckpointStatusAvailable = "available"

// Checkpoint is a point-in-time backup of a plan held by the protection
// service.
type Checkpoint struct {
	ID         string
	ProviderID string
	PlanID     string
	Status     string
	CreatedAt  time.Time
	ExtraInfo  map[string]string
}
