package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	LedgerClaim(outcome string)
	OperationDropped(reason string)

	// Executor metrics
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
	ExecutionRejected(reason string)
	ExecutionCompleted(runType string, duration time.Duration)

	// Work queue metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()

	// Operation log metrics
	LogRecorded(operationType string, state string)

	// Protection service metrics
	ProtectionRequest(method, statusClass string, duration time.Duration)

	// Reconciler metrics
	OrphanedRowsRemoved(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
