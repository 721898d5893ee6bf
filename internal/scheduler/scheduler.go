// Package scheduler runs the multi-node trigger loop.
//
// Every node polls a shared execution ledger holding the next fire time of
// each trigger. A node fires a due trigger only after it has moved the row
// forward with a compare-and-swap on (id, execution_time), so among any number
// of cooperating nodes exactly one fires each instant. A crash between claim
// and fire loses that single firing instead of duplicating it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/domain"
)

// Ledger is the shared, ordered "next execution per trigger" table.
type Ledger interface {
	// Earliest returns the row with the smallest execution time, or
	// domain.ErrNotFound when the ledger is empty.
	Earliest(ctx context.Context) (domain.LedgerRow, error)
	GetByTrigger(ctx context.Context, triggerID string) (domain.LedgerRow, error)
	// Insert returns domain.ErrAlreadyExists if the trigger already has a row.
	Insert(ctx context.Context, row domain.LedgerRow) error
	// UpdateIfUnchanged moves the row to next only if its execution time is
	// still expected. It reports whether the row was updated.
	UpdateIfUnchanged(ctx context.Context, id string, expected, next time.Time) (bool, error)
	DeleteIfUnchanged(ctx context.Context, id string, expected time.Time) (bool, error)
	Delete(ctx context.Context, id string) error
	DeleteByTrigger(ctx context.Context, triggerID string) error
	List(ctx context.Context, limit, offset int) ([]domain.LedgerRow, error)
}

// Executor receives fired operations.
type Executor interface {
	ExecuteOperation(ctx context.Context, operationID string, triggeredTime, expectStartTime time.Time, window time.Duration) error
}

// Schedulable is a trigger resident on this node.
type Schedulable interface {
	ID() string
	Operations() []string
	Window() time.Duration
	// NextAfter returns the fire time following t, honoring the trigger end time.
	NextAfter(t time.Time) (time.Time, bool)
	// MarkFired records a claimed fire. hasNext is false for the final fire.
	MarkFired(fireTime time.Time, hasNext bool)
}

// MetricsSink records scheduler metrics. Methods must not block.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)
	LedgerClaim(outcome string)
	OperationDropped(reason string)
}

// Claim outcomes reported to MetricsSink.LedgerClaim.
const (
	ClaimClaimed  = "claimed"
	ClaimConflict = "conflict"
	ClaimOrphan   = "orphan"
	ClaimFinal    = "final"
)

type Config struct {
	PollInterval time.Duration
	// MaxClaimsPerTick bounds how many rows one tick drains before the loop
	// yields to check for cancellation.
	MaxClaimsPerTick int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     15 * time.Second,
		MaxClaimsPerTick: 100,
	}
}

// Scheduler is the per-process scheduling context shared by all ledger
// triggers on the node.
type Scheduler struct {
	config   Config
	ledger   Ledger
	executor Executor
	clock    clock.Clock
	logger   *zap.Logger
	metrics  MetricsSink // optional, nil = disabled

	mu       sync.RWMutex
	triggers map[string]Schedulable
}

func New(config Config, ledger Ledger, executor Executor) *Scheduler {
	if config.MaxClaimsPerTick <= 0 {
		config.MaxClaimsPerTick = DefaultConfig().MaxClaimsPerTick
	}
	return &Scheduler{
		config:   config,
		ledger:   ledger,
		executor: executor,
		clock:    clock.Real{},
		logger:   zap.NewNop(),
		triggers: make(map[string]Schedulable),
	}
}

func (s *Scheduler) WithClock(c clock.Clock) *Scheduler {
	s.clock = c
	return s
}

func (s *Scheduler) WithLogger(logger *zap.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Register makes t resident on this node.
func (s *Scheduler) Register(t Schedulable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.ID()] = t
}

func (s *Scheduler) Unregister(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, triggerID)
}

func (s *Scheduler) lookup(triggerID string) (Schedulable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[triggerID]
	return t, ok
}

// EnsureRow inserts a ledger row for the trigger unless one already exists.
func (s *Scheduler) EnsureRow(ctx context.Context, triggerID string, at time.Time) error {
	err := s.ledger.Insert(ctx, domain.LedgerRow{
		ID:            uuid.NewString(),
		TriggerID:     triggerID,
		ExecutionTime: at,
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		return nil
	}
	return err
}

// ResetRow moves the trigger's row to at, creating it if needed. The move is
// a CAS against the value just read and is retried if the loop wins the race.
func (s *Scheduler) ResetRow(ctx context.Context, triggerID string, at time.Time) error {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		row, err := s.ledger.GetByTrigger(ctx, triggerID)
		if errors.Is(err, domain.ErrNotFound) {
			if err := s.EnsureRow(ctx, triggerID, at); err != nil {
				return err
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("get ledger row: %w", err)
		}
		ok, err := s.ledger.UpdateIfUnchanged(ctx, row.ID, row.ExecutionTime, at)
		if err != nil {
			return fmt.Errorf("update ledger row: %w", err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("reset ledger row for trigger %s: lost %d races", triggerID, attempts)
}

// RemoveRow deletes the trigger's row.
func (s *Scheduler) RemoveRow(ctx context.Context, triggerID string) error {
	return s.ledger.DeleteByTrigger(ctx, triggerID)
}

// Run polls the ledger until ctx is cancelled. While due rows remain the loop
// continues without sleeping so a backlog drains quickly.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler: started", zap.Duration("poll_interval", s.config.PollInterval))

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		}

		start := time.Now()
		if s.metrics != nil {
			s.metrics.TickStarted()
		}
		fired, more, err := s.processTick(ctx)
		if s.metrics != nil {
			s.metrics.TickCompleted(time.Since(start), fired, err)
		}
		if err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler: tick error", zap.Error(err))
		}
		if more && err == nil {
			continue
		}

		timer := s.clock.TimerAt(s.clock.Now().Add(s.config.PollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler: stopped")
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// processTick drains due rows. more reports that the claim bound was hit
// while rows may still be due.
func (s *Scheduler) processTick(ctx context.Context) (fired int, more bool, err error) {
	for i := 0; i < s.config.MaxClaimsPerTick; i++ {
		if ctx.Err() != nil {
			return fired, false, ctx.Err()
		}

		now := s.clock.Now()
		row, err := s.ledger.Earliest(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			return fired, false, nil
		}
		if err != nil {
			return fired, false, fmt.Errorf("read ledger: %w", err)
		}
		if row.ExecutionTime.After(now) {
			return fired, false, nil
		}

		trig, ok := s.lookup(row.TriggerID)
		if !ok {
			s.logger.Warn("scheduler: trigger not resident, deleting ledger row",
				zap.String("trigger_id", row.TriggerID), zap.String("row_id", row.ID))
			if err := s.ledger.Delete(ctx, row.ID); err != nil {
				return fired, false, fmt.Errorf("delete orphaned row %s: %w", row.ID, err)
			}
			if s.metrics != nil {
				s.metrics.LedgerClaim(ClaimOrphan)
			}
			continue
		}

		n, err := s.claimAndFire(ctx, trig, row, now)
		if err != nil {
			return fired, false, err
		}
		fired += n
	}
	return fired, true, nil
}

func (s *Scheduler) claimAndFire(ctx context.Context, trig Schedulable, row domain.LedgerRow, now time.Time) (int, error) {
	next, hasNext := trig.NextAfter(row.ExecutionTime)

	var (
		claimed bool
		err     error
	)
	if hasNext {
		claimed, err = s.ledger.UpdateIfUnchanged(ctx, row.ID, row.ExecutionTime, next)
	} else {
		claimed, err = s.ledger.DeleteIfUnchanged(ctx, row.ID, row.ExecutionTime)
	}
	if err != nil {
		return 0, fmt.Errorf("claim trigger %s: %w", row.TriggerID, err)
	}
	if !claimed {
		// Another node moved the row first.
		s.logger.Warn("scheduler: ledger row already claimed",
			zap.String("trigger_id", row.TriggerID), zap.Time("execution_time", row.ExecutionTime))
		if s.metrics != nil {
			s.metrics.LedgerClaim(ClaimConflict)
		}
		return 0, nil
	}

	trig.MarkFired(row.ExecutionTime, hasNext)
	if s.metrics != nil {
		if hasNext {
			s.metrics.LedgerClaim(ClaimClaimed)
		} else {
			s.metrics.LedgerClaim(ClaimFinal)
		}
	}

	window := trig.Window()
	deadline := row.ExecutionTime.Add(window)
	fired := 0
	for _, opID := range trig.Operations() {
		if !now.Before(deadline) {
			s.logger.Warn("scheduler: operation out of window, skipped",
				zap.String("trigger_id", row.TriggerID), zap.String("operation_id", opID),
				zap.Time("expect_start_time", row.ExecutionTime), zap.Time("now", now))
			if s.metrics != nil {
				s.metrics.OperationDropped("out_of_window")
			}
			continue
		}
		if err := s.executor.ExecuteOperation(ctx, opID, now, row.ExecutionTime, window); err != nil {
			s.logger.Warn("scheduler: operation not dispatched",
				zap.String("trigger_id", row.TriggerID), zap.String("operation_id", opID), zap.Error(err))
			continue
		}
		fired++
	}

	s.logger.Debug("scheduler: fired trigger",
		zap.String("trigger_id", row.TriggerID), zap.Time("execution_time", row.ExecutionTime),
		zap.Int("operations", fired))
	return fired, nil
}
