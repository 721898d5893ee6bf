package trigger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/scheduler"
)

// LedgerTrigger is fired by the shared scheduler from its ledger row.
type LedgerTrigger struct {
	base

	sched  *scheduler.Scheduler
	clock  clock.Clock
	logger *zap.Logger
}

var _ scheduler.Schedulable = (*LedgerTrigger)(nil)

// NewLedgerFactory returns a Factory building LedgerTriggers resident in sched.
func NewLedgerFactory(sched *scheduler.Scheduler, clk clock.Clock, logger *zap.Logger) Factory {
	return func(id string, prop Property) (Trigger, error) {
		return NewLedgerTrigger(id, prop, sched, clk, logger), nil
	}
}

// NewLedgerTrigger creates the trigger and makes it resident in sched.
func NewLedgerTrigger(id string, prop Property, sched *scheduler.Scheduler, clk clock.Clock, logger *zap.Logger) *LedgerTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &LedgerTrigger{
		base:   newBase(id, prop),
		sched:  sched,
		clock:  clk,
		logger: logger,
	}
	sched.Register(t)
	return t
}

func (t *LedgerTrigger) RegisterOperation(ctx context.Context, operationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.checkRegisterLocked(operationID, t.clock.Now())
	if err != nil {
		return err
	}
	if len(t.ops) == 0 {
		if err := t.sched.EnsureRow(ctx, t.id, next); err != nil {
			return fmt.Errorf("ensure ledger row for trigger %s: %w", t.id, err)
		}
	}
	t.ops[operationID] = struct{}{}
	t.state = StateActive
	return nil
}

func (t *LedgerTrigger) UnregisterOperation(ctx context.Context, operationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ops[operationID]; !ok {
		return
	}
	delete(t.ops, operationID)
	if len(t.ops) > 0 || t.state == StateShutdown {
		return
	}
	t.state = StateIdle
	if err := t.sched.RemoveRow(ctx, t.id); err != nil {
		// The loop advances a row with no operations harmlessly.
		t.logger.Warn("trigger: failed to remove ledger row of idle trigger",
			zap.String("trigger_id", t.id), zap.Error(err))
	}
}

func (t *LedgerTrigger) UpdateProperty(ctx context.Context, prop Property) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	first, err := t.checkUpdateLocked(prop, t.clock.Now())
	if err != nil {
		return err
	}
	if len(t.ops) > 0 {
		if err := t.sched.ResetRow(ctx, t.id, first); err != nil {
			return fmt.Errorf("reset ledger row for trigger %s: %w", t.id, err)
		}
	}
	t.prop = prop
	t.ended = false
	return nil
}

// Shutdown removes the trigger from the scheduler. The ledger row is left in
// place for the other nodes.
func (t *LedgerTrigger) Shutdown() {
	t.mu.Lock()
	t.state = StateShutdown
	t.mu.Unlock()
	t.sched.Unregister(t.id)
}

func (t *LedgerTrigger) Window() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prop.Window
}

func (t *LedgerTrigger) NextAfter(after time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prop.Next(after)
}

func (t *LedgerTrigger) MarkFired(fireTime time.Time, hasNext bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markFiredLocked(fireTime, hasNext)
	if !hasNext {
		t.logger.Info("trigger: schedule finished", zap.String("trigger_id", t.id))
	}
}
