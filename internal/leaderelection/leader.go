// Package leaderelection elects one instance among those sharing a database
// to run cluster-wide duties.
//
// Leadership is a session-scoped lock: it is held for as long as the
// dedicated session stays alive and is released server-side when the session
// dies. There is no TTL. The heartbeat only detects local session death so
// the leader can stop its duty promptly; it does not renew anything.
//
// In easyprotect the duty is the ledger reconciler. Firing itself is never
// leader-gated: every node runs the scheduling loop and the ledger
// compare-and-swap decides who fires.
package leaderelection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reasons passed to MetricsSink.LeaderLost.
const (
	LostShutdown = "shutdown"
	LostConn     = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Lock is a lock held by a session.
type Lock interface {
	// TryAcquire returns a held session, or nil when another instance holds
	// the lock.
	TryAcquire(ctx context.Context) (Session, error)
}

// Session keeps a lock for as long as it is alive.
type Session interface {
	Ping(ctx context.Context) error
	// Close releases the lock.
	Close() error
}

// Elector runs duty while this instance holds the lock.
type Elector struct {
	lock              Lock
	retryInterval     time.Duration // follower: how often to attempt acquisition
	heartbeatInterval time.Duration // leader: how often to ping the session
	duty              func(ctx context.Context)
	logger            *zap.Logger
	metrics           MetricsSink // optional, nil = disabled

	leader atomic.Bool
}

// New creates an Elector. duty runs in its own goroutine once the lock is
// acquired; its context is cancelled when leadership is lost, and the elector
// waits for it to return before trying again.
func New(lock Lock, retryInterval, heartbeatInterval time.Duration, duty func(ctx context.Context)) *Elector {
	return &Elector{
		lock:              lock,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		duty:              duty,
		logger:            zap.NewNop(),
	}
}

func (e *Elector) WithLogger(logger *zap.Logger) *Elector {
	e.logger = logger
	return e
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Run is the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info("leader: starting election loop",
		zap.Duration("retry", e.retryInterval), zap.Duration("heartbeat", e.heartbeatInterval))
	defer e.logger.Info("leader: election loop stopped")

	for ctx.Err() == nil {
		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			e.logger.Warn("leader: lost leadership, will retry",
				zap.String("reason", reason), zap.Duration("retry", e.retryInterval))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce tries to acquire the lock and, on success, holds it until it is
// lost. Returns the reason leadership ended, "" if it was never acquired.
func (e *Elector) runOnce(ctx context.Context) string {
	session, err := e.lock.TryAcquire(ctx)
	if err != nil {
		e.logger.Warn("leader: lock acquisition failed", zap.Error(err))
		return ""
	}
	if session == nil {
		e.logger.Debug("leader: lock held by another instance")
		return ""
	}
	defer session.Close()

	e.leader.Store(true)
	e.logger.Info("leader: acquired lock")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	dutyCtx, stopDuty := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.duty(dutyCtx)
	}()

	reason := e.hold(ctx, session)

	stopDuty()
	wg.Wait()
	e.leader.Store(false)

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}
	e.logger.Info("leader: released lock", zap.String("reason", reason))
	return reason
}

// hold pings the session until ctx ends or the session dies.
func (e *Elector) hold(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return LostShutdown
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return LostShutdown
				}
				e.logger.Warn("leader: session ping failed", zap.Error(err))
				return LostConn
			}
		}
	}
}
