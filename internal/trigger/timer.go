package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
)

// TimerTrigger fires from a private goroutine sleeping until nextWake.
type TimerTrigger struct {
	base

	executor Submitter
	clock    clock.Clock
	logger   *zap.Logger

	nextWake time.Time
	cancel   context.CancelFunc // non-nil while the goroutine runs
	done     chan struct{}
	wake     chan struct{}
}

// NewTimerFactory returns a Factory building TimerTriggers.
func NewTimerFactory(executor Submitter, clk clock.Clock, logger *zap.Logger) Factory {
	return func(id string, prop Property) (Trigger, error) {
		return NewTimerTrigger(id, prop, executor, clk, logger), nil
	}
}

func NewTimerTrigger(id string, prop Property, executor Submitter, clk clock.Clock, logger *zap.Logger) *TimerTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimerTrigger{
		base:     newBase(id, prop),
		executor: executor,
		clock:    clk,
		logger:   logger,
	}
}

func (t *TimerTrigger) RegisterOperation(ctx context.Context, operationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := t.checkRegisterLocked(operationID, t.clock.Now())
	if err != nil {
		return err
	}
	t.ops[operationID] = struct{}{}
	if t.cancel == nil {
		t.nextWake = next
		t.startLocked()
	}
	t.state = StateActive
	return nil
}

func (t *TimerTrigger) UnregisterOperation(ctx context.Context, operationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ops[operationID]; !ok {
		return
	}
	delete(t.ops, operationID)
	if len(t.ops) == 0 {
		t.stopLocked()
		if t.state != StateShutdown {
			t.state = StateIdle
		}
	}
}

func (t *TimerTrigger) UpdateProperty(ctx context.Context, prop Property) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	first, err := t.checkUpdateLocked(prop, t.clock.Now())
	if err != nil {
		return err
	}
	t.prop = prop
	t.ended = false
	if len(t.ops) == 0 {
		return nil
	}
	t.nextWake = first
	if t.cancel == nil {
		t.startLocked()
		return nil
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// NextWake returns the instant the trigger will fire next, zero when idle.
func (t *TimerTrigger) NextWake() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return time.Time{}
	}
	return t.nextWake
}

func (t *TimerTrigger) Shutdown() {
	t.mu.Lock()
	t.state = StateShutdown
	done := t.done
	t.stopLocked()
	t.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (t *TimerTrigger) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.wake = make(chan struct{}, 1)
	go t.run(ctx, t.wake, t.done)
}

func (t *TimerTrigger) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *TimerTrigger) run(ctx context.Context, wake <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		t.mu.Lock()
		if ctx.Err() != nil || t.ended {
			t.mu.Unlock()
			return
		}
		at := t.nextWake
		t.mu.Unlock()

		timer := t.clock.TimerAt(at)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
			continue
		case <-timer.C():
		}

		t.fire(ctx)
	}
}

func (t *TimerTrigger) fire(ctx context.Context) {
	now := t.clock.Now()

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	fireTime := t.nextWake
	if now.Before(fireTime) {
		// nextWake moved by an update
		t.mu.Unlock()
		return
	}
	ops := t.operationsLocked()
	window := t.prop.Window
	next, hasNext := t.prop.Next(fireTime)
	t.markFiredLocked(fireTime, hasNext)
	if hasNext {
		t.nextWake = next
	} else {
		t.stopLocked()
	}
	t.mu.Unlock()

	if !now.Before(fireTime.Add(window)) {
		t.logger.Warn("trigger: fire out of window, skipped",
			zap.String("trigger_id", t.id), zap.Time("fire_time", fireTime), zap.Time("now", now))
		return
	}

	// Dispatch must outlive the goroutine stopping after a final fire.
	dispatchCtx := context.WithoutCancel(ctx)
	for _, opID := range ops {
		if err := t.executor.ExecuteOperation(dispatchCtx, opID, now, fireTime, window); err != nil {
			t.logger.Warn("trigger: operation not dispatched",
				zap.String("trigger_id", t.id), zap.String("operation_id", opID), zap.Error(err))
		}
	}
	if !hasNext {
		t.logger.Info("trigger: schedule finished", zap.String("trigger_id", t.id))
	}
}
