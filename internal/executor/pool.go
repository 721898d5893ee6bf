package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/transport/channel"
)

// PoolExecutor feeds a fixed set of workers from a bounded queue. Each
// accepted operation holds a slot from acceptance until its run ends.
type PoolExecutor struct {
	core
	config Config
	queue  *channel.Queue[domain.RunParams]

	mu        sync.Mutex
	inFlight  map[string]int
	cancelled map[string]struct{}
	total     int
	closed    bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool starts cfg.Workers workers.
func NewPool(cfg Config, store Store, runner Runner, queueOpts ...channel.Option) *PoolExecutor {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	p := &PoolExecutor{
		core:      newCore(store, runner),
		config:    cfg,
		queue:     channel.NewQueue[domain.RunParams](cfg.MaxConcurrent, queueOpts...),
		inFlight:  make(map[string]int),
		cancelled: make(map[string]struct{}),
		runCtx:    ctx,
		cancelRun: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *PoolExecutor) WithClock(c clock.Clock) *PoolExecutor {
	p.clock = c
	return p
}

func (p *PoolExecutor) WithLogger(logger *zap.Logger) *PoolExecutor {
	p.logger = logger
	return p
}

// WithMetrics attaches a metrics sink to the executor.
func (p *PoolExecutor) WithMetrics(sink MetricsSink) *PoolExecutor {
	p.metrics = sink
	return p
}

func (p *PoolExecutor) ExecuteOperation(ctx context.Context, operationID string, triggeredTime, expectStartTime time.Time, window time.Duration) error {
	return p.submit(ctx, executeParams(operationID, triggeredTime, expectStartTime, window), true)
}

// ResumeOperation re-runs an interrupted operation for what is left of its
// window. Nothing happens once the window has passed.
func (p *PoolExecutor) ResumeOperation(ctx context.Context, operationID string, endTimeForRun time.Time) error {
	params, ok := p.resumeParams(operationID, endTimeForRun)
	if !ok {
		p.logger.Info("executor: resume window passed, skipped",
			zap.String("operation_id", operationID), zap.Time("end_time_for_run", endTimeForRun))
		return nil
	}
	return p.submit(ctx, params, false)
}

func (p *PoolExecutor) submit(ctx context.Context, params domain.RunParams, persist bool) error {
	operationID := params.OperationID

	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		p.reject(RejectShutdown)
		return ErrShutdown
	case p.inFlight[operationID] > 0:
		p.mu.Unlock()
		p.reject(RejectInFlight)
		p.logger.Warn("executor: previous run has not finished", zap.String("operation_id", operationID))
		return fmt.Errorf("operation %s: %w", operationID, ErrAlreadyInFlight)
	case p.total >= p.config.MaxConcurrent:
		p.mu.Unlock()
		p.reject(RejectCapacity)
		p.logger.Warn("executor: at capacity", zap.String("operation_id", operationID),
			zap.Int("max_concurrent", p.config.MaxConcurrent))
		return fmt.Errorf("operation %s: %w", operationID, ErrAtCapacity)
	}
	p.inFlight[operationID]++
	p.total++
	p.mu.Unlock()

	if persist {
		if err := p.markTriggered(ctx, params); err != nil {
			p.release(operationID)
			p.reject(RejectPersist)
			return fmt.Errorf("persist triggered state for %s: %w", operationID, err)
		}
	}

	if err := p.queue.Emit(ctx, params); err != nil {
		p.release(operationID)
		p.resetState(operationID)
		return fmt.Errorf("enqueue operation %s: %w", operationID, err)
	}
	return nil
}

// CancelOperation skips the operation if it has not started yet.
func (p *PoolExecutor) CancelOperation(operationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[operationID] > 0 {
		p.cancelled[operationID] = struct{}{}
	}
}

func (p *PoolExecutor) isCancelled(operationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cancelled[operationID]
	return ok
}

func (p *PoolExecutor) release(operationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[operationID]--
	p.total--
	if p.inFlight[operationID] <= 0 {
		delete(p.inFlight, operationID)
		delete(p.cancelled, operationID)
	}
}

// InFlight reports accepted operations, queued or running.
func (p *PoolExecutor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func (p *PoolExecutor) worker() {
	defer p.wg.Done()
	for params := range p.queue.Channel() {
		operationID := params.OperationID
		p.run(p.runCtx, params, func() bool { return p.isCancelled(operationID) })
		p.release(operationID)
	}
}

// Shutdown cancels queued operations and waits for running ones up to the
// shutdown timeout, after which their context is cancelled.
func (p *PoolExecutor) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for id := range p.inFlight {
		p.cancelled[id] = struct{}{}
	}
	p.mu.Unlock()

	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("executor: shutdown complete")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("executor: shutdown timeout, cancelling running operations",
			zap.Duration("timeout", p.config.ShutdownTimeout))
		p.cancelRun()
		<-done
	}
	p.cancelRun()
}
