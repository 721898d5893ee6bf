// Package clock abstracts wall-clock reads and timers so that schedulers can
// be driven by a virtual clock in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// TimerAt returns a timer that fires once the clock reaches at.
	// A deadline that has already passed fires immediately.
	TimerAt(at time.Time) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Real is the process wall clock.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

func (Real) TimerAt(at time.Time) Timer {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }
func (r *realTimer) Stop() bool          { return r.t.Stop() }
