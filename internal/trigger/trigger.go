// Package trigger owns time triggers and the operations registered on them.
//
// Two realizations exist. A TimerTrigger keeps a private timer goroutine and
// suits a single node. A LedgerTrigger keeps no timer of its own: it maintains
// one row in the shared execution ledger and the scheduler fires it, which is
// safe across any number of nodes.
package trigger

import (
	"context"
	"time"
)

type State string

const (
	StateCreated  State = "created"
	StateActive   State = "active"
	StateIdle     State = "idle"
	StateShutdown State = "shutdown"
)

// Trigger is a live trigger instance.
type Trigger interface {
	ID() string
	State() State
	// RegisterOperation returns domain.ErrAlreadyExists for a duplicate and
	// domain.ErrTriggerInvalid once the schedule has no further fires.
	RegisterOperation(ctx context.Context, operationID string) error
	// UnregisterOperation is a no-op for unknown ids.
	UnregisterOperation(ctx context.Context, operationID string)
	UpdateProperty(ctx context.Context, prop Property) error
	HasOperations() bool
	Operations() []string
	Property() Property
	Shutdown()
}

// Submitter receives fired operations.
type Submitter interface {
	ExecuteOperation(ctx context.Context, operationID string, triggeredTime, expectStartTime time.Time, window time.Duration) error
}

// Factory builds a trigger realization from a validated property.
type Factory func(id string, prop Property) (Trigger, error)
