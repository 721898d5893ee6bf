// Package operation runs scheduled operations and keeps their execution logs.
//
// Manager.Run is the single entry point used by the executor. It decides from
// the run window whether a run still makes sense, keeps exactly one log per
// run and trims old logs afterwards. Operation types plug in through a
// registry keyed by domain.OperationType.
package operation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/domain"
)

// Result is what an operation reports about a finished run. Warnings are
// recorded in the log without failing the run.
type Result struct {
	ExtraInfo map[string]string
	Warnings  []string
}

// Operation is one operation type.
type Operation interface {
	CheckDefinition(def map[string]string) error
	Execute(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error)
	Resume(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error)
}

type LogStore interface {
	CreateLog(ctx context.Context, log domain.OperationLog) error
	UpdateLog(ctx context.Context, logID string, update domain.LogUpdate) error
	// ListLogs returns the logs of an operation newest first, restricted to
	// states when any are given.
	ListLogs(ctx context.Context, operationID string, states ...domain.LogState) ([]domain.OperationLog, error)
	DeleteLogs(ctx context.Context, logIDs []string) error
}

// MetricsSink records run outcomes. Methods must not block.
type MetricsSink interface {
	LogRecorded(operationType string, state string)
}

const purgeTimeout = 10 * time.Second

type Manager struct {
	store      LogStore
	operations map[domain.OperationType]Operation
	retained   int
	excepted   map[domain.LogState]struct{}
	clock      clock.Clock
	logger     *zap.Logger
	metrics    MetricsSink // optional, nil = disabled
}

// NewManager keeps the 5 most recent logs per operation and never purges
// in-progress logs.
func NewManager(store LogStore) *Manager {
	return &Manager{
		store:      store,
		operations: make(map[domain.OperationType]Operation),
		retained:   5,
		excepted:   map[domain.LogState]struct{}{domain.LogStateInProgress: {}},
		clock:      clock.Real{},
		logger:     zap.NewNop(),
	}
}

// WithRetention keeps the retained most recent logs; logs in an excepted
// state are never purged.
func (m *Manager) WithRetention(retained int, excepted ...domain.LogState) *Manager {
	m.retained = retained
	m.excepted = make(map[domain.LogState]struct{}, len(excepted))
	for _, s := range excepted {
		m.excepted[s] = struct{}{}
	}
	return m
}

func (m *Manager) WithClock(c clock.Clock) *Manager {
	m.clock = c
	return m
}

func (m *Manager) WithLogger(logger *zap.Logger) *Manager {
	m.logger = logger
	return m
}

// WithMetrics attaches a metrics sink to the manager.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// Register binds an operation type to its implementation.
func (m *Manager) Register(typ domain.OperationType, op Operation) *Manager {
	m.operations[typ] = op
	return m
}

// CheckDefinition validates def for typ.
func (m *Manager) CheckDefinition(typ domain.OperationType, def map[string]string) error {
	op, ok := m.operations[typ]
	if !ok {
		return fmt.Errorf("%w: unknown operation type %q", domain.ErrInvalidInput, typ)
	}
	return op.CheckDefinition(def)
}

// Run performs one run of op. A run whose window has passed is not started.
func (m *Manager) Run(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) error {
	impl, ok := m.operations[op.OperationType]
	if !ok {
		return fmt.Errorf("%w: unknown operation type %q", domain.ErrInvalidInput, op.OperationType)
	}
	defer m.purgeLogs(ctx, op.ID)

	now := m.clock.Now()
	expired := now.After(params.Deadline())

	if params.RunType == domain.RunTypeResume {
		return m.resume(ctx, impl, op, params, now, expired)
	}
	return m.execute(ctx, impl, op, params, now, expired)
}

func (m *Manager) execute(ctx context.Context, impl Operation, op domain.ScheduledOperation, params domain.RunParams, now time.Time, expired bool) error {
	entry := domain.OperationLog{
		ID:              uuid.NewString(),
		OperationID:     op.ID,
		ExpectStartTime: params.ExpectStartTime,
		TriggeredTime:   params.TriggeredTime,
		CreatedAt:       now,
	}

	if expired {
		entry.State = domain.LogStateDroppedOutOfWindow
		entry.EndTime = &now
		if err := m.store.CreateLog(ctx, entry); err != nil {
			return fmt.Errorf("create dropped log: %w", err)
		}
		m.recorded(op, entry.State)
		m.logger.Warn("operation: run dropped, window passed",
			zap.String("operation_id", op.ID), zap.Time("expect_start_time", params.ExpectStartTime),
			zap.Duration("window", params.Window))
		return nil
	}

	entry.State = domain.LogStateInProgress
	entry.ActualStartTime = &now
	if err := m.store.CreateLog(ctx, entry); err != nil {
		return fmt.Errorf("create log: %w", err)
	}

	result, runErr := m.invoke(ctx, impl.Execute, op, params)
	m.finish(ctx, op, entry.ID, result, runErr)
	return runErr
}

// resume continues the run recorded by the single in-progress log. With no
// such log, or several, there is nothing unambiguous to resume.
func (m *Manager) resume(ctx context.Context, impl Operation, op domain.ScheduledOperation, params domain.RunParams, now time.Time, expired bool) error {
	logs, err := m.store.ListLogs(ctx, op.ID, domain.LogStateInProgress)
	if err != nil {
		return fmt.Errorf("list in-progress logs: %w", err)
	}
	if len(logs) != 1 {
		m.logger.Info("operation: nothing to resume",
			zap.String("operation_id", op.ID), zap.Int("in_progress_logs", len(logs)))
		return nil
	}
	entry := logs[0]

	if expired {
		state := domain.LogStateDroppedOutOfWindow
		if err := m.store.UpdateLog(ctx, entry.ID, domain.LogUpdate{State: &state, EndTime: &now}); err != nil {
			return fmt.Errorf("mark log dropped: %w", err)
		}
		m.recorded(op, state)
		return nil
	}

	result, runErr := m.invoke(ctx, impl.Resume, op, params)
	m.finish(ctx, op, entry.ID, result, runErr)
	return runErr
}

type runFunc func(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error)

func (m *Manager) invoke(ctx context.Context, fn runFunc, op domain.ScheduledOperation, params domain.RunParams) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("operation: panic during run",
				zap.String("operation_id", op.ID), zap.Any("panic", r))
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return fn(ctx, op, params)
}

func (m *Manager) finish(ctx context.Context, op domain.ScheduledOperation, logID string, result Result, runErr error) {
	end := m.clock.Now()
	state := domain.LogStateSuccess
	var msgs []string
	if runErr != nil {
		state = domain.LogStateFailed
		msgs = append(msgs, runErr.Error())
	}
	msgs = append(msgs, result.Warnings...)

	update := domain.LogUpdate{State: &state, EndTime: &end, ExtraInfo: result.ExtraInfo}
	if len(msgs) > 0 {
		msg := strings.Join(msgs, "; ")
		update.Error = &msg
	}

	// The run is over even if ctx was cancelled while it ran.
	writeCtx := context.WithoutCancel(ctx)
	if err := m.store.UpdateLog(writeCtx, logID, update); err != nil {
		m.logger.Error("operation: failed to finish log",
			zap.String("operation_id", op.ID), zap.String("log_id", logID), zap.Error(err))
		return
	}
	m.recorded(op, state)
	m.logger.Info("operation: run finished",
		zap.String("operation_id", op.ID), zap.String("state", string(state)), zap.Error(runErr))
}

func (m *Manager) recorded(op domain.ScheduledOperation, state domain.LogState) {
	if m.metrics != nil {
		m.metrics.LogRecorded(string(op.OperationType), string(state))
	}
}

// purgeLogs deletes logs beyond the retained count, sparing excepted states.
func (m *Manager) purgeLogs(ctx context.Context, operationID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), purgeTimeout)
	defer cancel()

	logs, err := m.store.ListLogs(ctx, operationID)
	if err != nil {
		m.logger.Warn("operation: failed to list logs for purge",
			zap.String("operation_id", operationID), zap.Error(err))
		return
	}
	if len(logs) <= m.retained {
		return
	}

	var ids []string
	for _, l := range logs[m.retained:] {
		if _, keep := m.excepted[l.State]; keep {
			continue
		}
		ids = append(ids, l.ID)
	}
	if len(ids) == 0 {
		return
	}
	if err := m.store.DeleteLogs(ctx, ids); err != nil {
		m.logger.Warn("operation: failed to purge logs",
			zap.String("operation_id", operationID), zap.Error(err))
		return
	}
	m.logger.Debug("operation: purged logs", zap.String("operation_id", operationID), zap.Int("count", len(ids)))
}
