// Package executor runs fired operations with bounded concurrency.
//
// Two strategies share the same state handling. Before an operation is
// accepted its state is persisted as triggered together with the end of its
// run window; if that write fails the operation is refused. A run moves the
// state to running and, whatever happens, back to registered when it ends.
package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/domain"
)

var (
	// ErrAlreadyInFlight is returned when the previous run of an operation has
	// not finished.
	ErrAlreadyInFlight = errors.New("previous run has not finished")
	ErrAtCapacity      = errors.New("executor at capacity")
	ErrShutdown        = errors.New("executor is shut down")
)

type Store interface {
	// UpdateOperationState returns domain.ErrStateTransitionDenied for deleted
	// operations.
	UpdateOperationState(ctx context.Context, operationID string, update domain.StateUpdate) error
	GetOperation(ctx context.Context, operationID string) (domain.ScheduledOperation, error)
}

// Runner performs one run of an operation.
type Runner interface {
	Run(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) error
}

// MetricsSink records executor metrics. Methods must not block.
type MetricsSink interface {
	ExecutionsInFlightIncr()
	ExecutionsInFlightDecr()
	ExecutionRejected(reason string)
	ExecutionCompleted(runType string, duration time.Duration)
}

// Rejection reasons reported to MetricsSink.ExecutionRejected.
const (
	RejectInFlight = "in_flight"
	RejectCapacity = "capacity"
	RejectPersist  = "persist"
	RejectShutdown = "shutdown"
)

type Config struct {
	Workers int
	// MaxConcurrent bounds accepted operations, queued and running. Zero means
	// Workers.
	MaxConcurrent   int
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         10,
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultConfig().Workers
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = c.Workers
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	return c
}

const stateResetTimeout = 10 * time.Second

// core is the state handling shared by both strategies.
type core struct {
	store   Store
	runner  Runner
	clock   clock.Clock
	logger  *zap.Logger
	metrics MetricsSink // optional, nil = disabled
}

func newCore(store Store, runner Runner) core {
	return core{
		store:  store,
		runner: runner,
		clock:  clock.Real{},
		logger: zap.NewNop(),
	}
}

func executeParams(operationID string, triggeredTime, expectStartTime time.Time, window time.Duration) domain.RunParams {
	return domain.RunParams{
		OperationID:     operationID,
		TriggeredTime:   triggeredTime,
		ExpectStartTime: expectStartTime,
		Window:          window,
		RunType:         domain.RunTypeExecute,
	}
}

// resumeParams rebuilds the run of an interrupted operation. ok is false once
// its window has passed.
func (c *core) resumeParams(operationID string, endTimeForRun time.Time) (domain.RunParams, bool) {
	now := c.clock.Now()
	if !now.Before(endTimeForRun) {
		return domain.RunParams{}, false
	}
	return domain.RunParams{
		OperationID:     operationID,
		TriggeredTime:   now,
		ExpectStartTime: now,
		Window:          endTimeForRun.Sub(now),
		RunType:         domain.RunTypeResume,
	}, true
}

func (c *core) markTriggered(ctx context.Context, params domain.RunParams) error {
	state := domain.OperationStateTriggered
	end := params.Deadline()
	return c.store.UpdateOperationState(ctx, params.OperationID, domain.StateUpdate{
		State:         &state,
		EndTimeForRun: &end,
	})
}

func (c *core) setState(ctx context.Context, operationID string, state domain.OperationStateValue) {
	err := c.store.UpdateOperationState(ctx, operationID, domain.StateUpdate{State: &state})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStateTransitionDenied):
		c.logger.Debug("executor: operation deleted, state not updated",
			zap.String("operation_id", operationID), zap.String("state", string(state)))
	default:
		c.logger.Warn("executor: failed to update operation state",
			zap.String("operation_id", operationID), zap.String("state", string(state)), zap.Error(err))
	}
}

// resetState always runs, so it does not use the run context.
func (c *core) resetState(operationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), stateResetTimeout)
	defer cancel()
	c.setState(ctx, operationID, domain.OperationStateRegistered)
}

func (c *core) reject(reason string) {
	if c.metrics != nil {
		c.metrics.ExecutionRejected(reason)
	}
}

// run performs one accepted operation. cancelled is consulted once, after the
// state moved to running and before any work starts.
func (c *core) run(ctx context.Context, params domain.RunParams, cancelled func() bool) {
	operationID := params.OperationID
	defer c.resetState(operationID)

	if c.metrics != nil {
		c.metrics.ExecutionsInFlightIncr()
		defer c.metrics.ExecutionsInFlightDecr()
	}

	c.setState(ctx, operationID, domain.OperationStateRunning)
	if cancelled() {
		c.logger.Info("executor: operation cancelled before start", zap.String("operation_id", operationID))
		return
	}

	op, err := c.store.GetOperation(ctx, operationID)
	if err != nil {
		c.logger.Error("executor: failed to load operation",
			zap.String("operation_id", operationID), zap.Error(err))
		return
	}
	params.TriggerID = op.TriggerID
	params.UserID = op.UserID
	params.ProjectID = op.ProjectID

	start := time.Now()
	if err := c.runner.Run(ctx, op, params); err != nil {
		c.logger.Warn("executor: operation run failed",
			zap.String("operation_id", operationID), zap.String("run_type", string(params.RunType)), zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.ExecutionCompleted(string(params.RunType), time.Since(start))
	}
}
