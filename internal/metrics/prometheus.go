package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Scheduler metrics
	ticksTotal        prometheus.Counter
	tickErrorsTotal   prometheus.Counter
	firedTotal        prometheus.Counter
	tickDuration      prometheus.Histogram
	ledgerClaimsTotal *prometheus.CounterVec
	opsDroppedTotal   *prometheus.CounterVec

	// Executor metrics
	executionsInFlight      prometheus.Gauge
	executionsRejectedTotal *prometheus.CounterVec
	executionDuration       *prometheus.HistogramVec

	// Work queue metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Operation metrics
	logsTotal          *prometheus.CounterVec
	protectionRequests *prometheus.CounterVec
	protectionDuration prometheus.Histogram

	// Reconciler and leader metrics
	orphansRemovedTotal prometheus.Counter
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PrometheusSink{logger: logger}
	s.initSchedulerMetrics(reg)
	s.initExecutorMetrics(reg)
	s.initQueueMetrics(reg)
	s.initOperationMetrics(reg)
	s.initClusterMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyprotect_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyprotect_scheduler_tick_errors_total",
		Help: "Total number of scheduler ticks abandoned on a ledger error.",
	})
	s.firedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyprotect_scheduler_operations_fired_total",
		Help: "Total number of operations handed to the executor by the scheduler.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyprotect_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.ledgerClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyprotect_scheduler_ledger_claims_total",
		Help: "Ledger claim attempts by outcome.",
	}, []string{"outcome"})
	s.opsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyprotect_scheduler_operations_dropped_total",
		Help: "Operations not fired by the scheduler, by reason.",
	}, []string{"reason"})

	s.register(reg, s.ticksTotal, "easyprotect_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "easyprotect_scheduler_tick_errors_total")
	s.register(reg, s.firedTotal, "easyprotect_scheduler_operations_fired_total")
	s.register(reg, s.tickDuration, "easyprotect_scheduler_tick_duration_seconds")
	s.register(reg, s.ledgerClaimsTotal, "easyprotect_scheduler_ledger_claims_total")
	s.register(reg, s.opsDroppedTotal, "easyprotect_scheduler_operations_dropped_total")
}

func (s *PrometheusSink) initExecutorMetrics(reg prometheus.Registerer) {
	s.executionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyprotect_executor_executions_in_flight",
		Help: "Number of operation runs accepted and not yet finished.",
	})
	s.executionsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyprotect_executor_executions_rejected_total",
		Help: "Operation runs refused by the executor, by reason.",
	}, []string{"reason"})
	s.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easyprotect_executor_execution_duration_seconds",
		Help:    "Duration of operation runs in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"run_type"})

	s.register(reg, s.executionsInFlight, "easyprotect_executor_executions_in_flight")
	s.register(reg, s.executionsRejectedTotal, "easyprotect_executor_executions_rejected_total")
	s.register(reg, s.executionDuration, "easyprotect_executor_execution_duration_seconds")
}

func (s *PrometheusSink) initQueueMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyprotect_queue_buffer_size",
		Help: "Current number of runs waiting in the executor work queue.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyprotect_queue_buffer_capacity",
		Help: "Capacity of the executor work queue.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyprotect_queue_emit_errors_total",
		Help: "Total number of emit errors (buffer full or closed).",
	})

	s.register(reg, s.bufferSize, "easyprotect_queue_buffer_size")
	s.register(reg, s.bufferCapacity, "easyprotect_queue_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "easyprotect_queue_emit_errors_total")
}

func (s *PrometheusSink) initOperationMetrics(reg prometheus.Registerer) {
	s.logsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyprotect_operation_runs_total",
		Help: "Finished operation runs by operation type and log state.",
	}, []string{"operation_type", "state"})
	s.protectionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyprotect_protection_requests_total",
		Help: "Protection service requests by method and status class.",
	}, []string{"method", "status_class"})
	s.protectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyprotect_protection_request_duration_seconds",
		Help:    "Protection service request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.logsTotal, "easyprotect_operation_runs_total")
	s.register(reg, s.protectionRequests, "easyprotect_protection_requests_total")
	s.register(reg, s.protectionDuration, "easyprotect_protection_request_duration_seconds")
}

func (s *PrometheusSink) initClusterMetrics(reg prometheus.Registerer) {
	s.orphansRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyprotect_reconciler_orphaned_rows_removed_total",
		Help: "Ledger rows removed because their trigger no longer exists.",
	})
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyprotect_leader_is_leader",
		Help: "1 if this instance holds the leader lock.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyprotect_leader_acquired_total",
		Help: "Times this instance acquired the leader lock.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyprotect_leader_lost_total",
		Help: "Times this instance lost the leader lock, by reason.",
	}, []string{"reason"})

	s.register(reg, s.orphansRemovedTotal, "easyprotect_reconciler_orphaned_rows_removed_total")
	s.register(reg, s.isLeader, "easyprotect_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "easyprotect_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "easyprotect_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("metrics: failed to register collector", zap.String("name", name), zap.Error(err))
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, fired int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.firedTotal.Add(float64(fired))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) LedgerClaim(outcome string) {
	s.ledgerClaimsTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) OperationDropped(reason string) {
	s.opsDroppedTotal.WithLabelValues(reason).Inc()
}

// Executor metrics implementation

func (s *PrometheusSink) ExecutionsInFlightIncr() {
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionsInFlightDecr() {
	s.executionsInFlight.Dec()
}

func (s *PrometheusSink) ExecutionRejected(reason string) {
	s.executionsRejectedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) ExecutionCompleted(runType string, duration time.Duration) {
	s.executionDuration.WithLabelValues(runType).Observe(duration.Seconds())
}

// Work queue metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Operation metrics implementation

func (s *PrometheusSink) LogRecorded(operationType string, state string) {
	s.logsTotal.WithLabelValues(operationType, state).Inc()
}

func (s *PrometheusSink) ProtectionRequest(method, statusClass string, duration time.Duration) {
	s.protectionRequests.WithLabelValues(method, statusClass).Inc()
	s.protectionDuration.Observe(duration.Seconds())
}

// Reconciler and leader metrics implementation

func (s *PrometheusSink) OrphanedRowsRemoved(count int) {
	s.orphansRemovedTotal.Add(float64(count))
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
