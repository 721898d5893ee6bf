package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                  {}
func (n *NoopSink) TickCompleted(duration time.Duration, fired int, err error)    {}
func (n *NoopSink) LedgerClaim(outcome string)                                    {}
func (n *NoopSink) OperationDropped(reason string)                                {}
func (n *NoopSink) ExecutionsInFlightIncr()                                       {}
func (n *NoopSink) ExecutionsInFlightDecr()                                       {}
func (n *NoopSink) ExecutionRejected(reason string)                               {}
func (n *NoopSink) ExecutionCompleted(runType string, duration time.Duration)     {}
func (n *NoopSink) BufferSizeUpdate(size int)                                     {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                {}
func (n *NoopSink) EmitError()                                                    {}
func (n *NoopSink) LogRecorded(operationType string, state string)                {}
func (n *NoopSink) ProtectionRequest(method, statusClass string, d time.Duration) {}
func (n *NoopSink) OrphanedRowsRemoved(count int)                                 {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                             {}
func (n *NoopSink) LeaderAcquired()                                               {}
func (n *NoopSink) LeaderLost(reason string)                                      {}
