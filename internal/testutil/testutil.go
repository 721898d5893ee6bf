// Package testutil provides shared test helpers for easyprotect.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/easy-protect/internal/clock"
)

// FakeClock provides deterministic time for testing. Timers created with
// TimerAt fire when Advance or Set moves the clock past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
}

var _ clock.Clock = (*FakeClock)(nil)

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d and fires every timer that is now due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.fireLocked()
	c.mu.Unlock()
}

// Set moves the clock to t and fires every timer that is now due.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.fireLocked()
	c.mu.Unlock()
}

// TimerAt returns a timer firing once the fake time reaches at.
func (c *FakeClock) TimerAt(at time.Time) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTimer{clock: c, at: at, ch: make(chan time.Time, 1)}
	if !at.After(c.current) {
		ft.ch <- c.current
		ft.fired = true
		return ft
	}
	c.timers = append(c.timers, ft)
	return ft
}

// PendingTimers returns the number of timers that have not fired or been stopped.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *FakeClock) fireLocked() {
	remaining := c.timers[:0]
	for _, ft := range c.timers {
		if !ft.at.After(c.current) {
			ft.ch <- c.current
			ft.fired = true
			continue
		}
		remaining = append(remaining, ft)
	}
	c.timers = remaining
}

type fakeTimer struct {
	clock *FakeClock
	at    time.Time
	ch    chan time.Time
	fired bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired {
		return false
	}
	for i, ft := range t.clock.timers {
		if ft == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			return true
		}
	}
	return false
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// WaitFor polls cond until it returns true or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
