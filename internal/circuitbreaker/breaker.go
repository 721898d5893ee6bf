// Package circuitbreaker guards calls to the protection service per provider.
// After threshold consecutive failures the breaker for that provider opens;
// once the cooldown passes a single trial call is let through. One that is
// never reported back is considered abandoned after another cooldown, and
// the next caller makes the trial call.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type keyState struct {
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialAt             time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock.Real{},
		logger:    zap.NewNop(),
	}
}

func (cb *CircuitBreaker) WithClock(c clock.Clock) *CircuitBreaker {
	cb.clock = c
	return cb
}

func (cb *CircuitBreaker) WithLogger(logger *zap.Logger) *CircuitBreaker {
	cb.logger = logger
	return cb
}

// Allow returns ErrCircuitOpen while calls for key must not be attempted.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	now := cb.clock.Now()
	switch s.state {
	case StateOpen:
		if now.Sub(s.openedAt) >= cb.cooldown {
			s.state = StateHalfOpen
			s.trialAt = now
			cb.logger.Info("circuit breaker: half-open, probing", zap.String("key", key))
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if now.Sub(s.trialAt) >= cb.cooldown {
			s.trialAt = now
			cb.logger.Warn("circuit breaker: trial call abandoned, retrying", zap.String("key", key))
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return
	}
	if s.state != StateClosed {
		cb.logger.Info("circuit breaker: closed", zap.String("key", key))
	}
	s.state = StateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{state: StateClosed}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == StateHalfOpen || s.consecutiveFailures >= cb.threshold {
		if s.state != StateOpen {
			cb.logger.Warn("circuit breaker: opened",
				zap.String("key", key), zap.Int("consecutive_failures", s.consecutiveFailures))
		}
		s.state = StateOpen
		s.openedAt = cb.clock.Now()
	}
}

// State reports the breaker state for key.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if s, ok := cb.states[key]; ok {
		return s.state
	}
	return StateClosed
}
