package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/djlord-it/easy-protect/internal/clock"
	"github.com/djlord-it/easy-protect/internal/domain"
)

type task struct {
	cancel  context.CancelFunc
	started bool
}

// TaskExecutor runs each accepted operation in its own goroutine. Running
// goroutines are bounded by a semaphore; the rest wait as pending tasks and
// can be cancelled until they start.
type TaskExecutor struct {
	core
	config Config
	slots  *semaphore.Weighted

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

func NewTask(cfg Config, store Store, runner Runner) *TaskExecutor {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskExecutor{
		core:      newCore(store, runner),
		config:    cfg,
		slots:     semaphore.NewWeighted(int64(cfg.Workers)),
		tasks:     make(map[string]*task),
		runCtx:    ctx,
		cancelRun: cancel,
	}
}

func (e *TaskExecutor) WithClock(c clock.Clock) *TaskExecutor {
	e.clock = c
	return e
}

func (e *TaskExecutor) WithLogger(logger *zap.Logger) *TaskExecutor {
	e.logger = logger
	return e
}

// WithMetrics attaches a metrics sink to the executor.
func (e *TaskExecutor) WithMetrics(sink MetricsSink) *TaskExecutor {
	e.metrics = sink
	return e
}

func (e *TaskExecutor) ExecuteOperation(ctx context.Context, operationID string, triggeredTime, expectStartTime time.Time, window time.Duration) error {
	return e.submit(ctx, executeParams(operationID, triggeredTime, expectStartTime, window), true)
}

// ResumeOperation re-runs an interrupted operation for what is left of its
// window. Nothing happens once the window has passed.
func (e *TaskExecutor) ResumeOperation(ctx context.Context, operationID string, endTimeForRun time.Time) error {
	params, ok := e.resumeParams(operationID, endTimeForRun)
	if !ok {
		e.logger.Info("executor: resume window passed, skipped",
			zap.String("operation_id", operationID), zap.Time("end_time_for_run", endTimeForRun))
		return nil
	}
	return e.submit(ctx, params, false)
}

func (e *TaskExecutor) submit(ctx context.Context, params domain.RunParams, persist bool) error {
	operationID := params.OperationID

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		e.reject(RejectShutdown)
		return ErrShutdown
	case e.tasks[operationID] != nil:
		e.mu.Unlock()
		e.reject(RejectInFlight)
		e.logger.Warn("executor: previous run has not finished", zap.String("operation_id", operationID))
		return fmt.Errorf("operation %s: %w", operationID, ErrAlreadyInFlight)
	case len(e.tasks) >= e.config.MaxConcurrent:
		e.mu.Unlock()
		e.reject(RejectCapacity)
		e.logger.Warn("executor: at capacity", zap.String("operation_id", operationID),
			zap.Int("max_concurrent", e.config.MaxConcurrent))
		return fmt.Errorf("operation %s: %w", operationID, ErrAtCapacity)
	}
	taskCtx, cancel := context.WithCancel(e.runCtx)
	t := &task{cancel: cancel}
	e.tasks[operationID] = t
	e.wg.Add(1)
	e.mu.Unlock()

	if persist {
		if err := e.markTriggered(ctx, params); err != nil {
			e.remove(operationID, t)
			cancel()
			e.wg.Done()
			e.reject(RejectPersist)
			return fmt.Errorf("persist triggered state for %s: %w", operationID, err)
		}
	}

	go e.runTask(taskCtx, t, params)
	return nil
}

func (e *TaskExecutor) runTask(taskCtx context.Context, t *task, params domain.RunParams) {
	operationID := params.OperationID
	defer e.wg.Done()
	defer e.remove(operationID, t)
	defer t.cancel()

	if err := e.slots.Acquire(taskCtx, 1); err != nil {
		e.logger.Info("executor: pending operation cancelled", zap.String("operation_id", operationID))
		e.resetState(operationID)
		return
	}
	defer e.slots.Release(1)

	e.mu.Lock()
	t.started = true
	e.mu.Unlock()

	// Once started the run ignores CancelOperation; only shutdown reaches it.
	e.run(e.runCtx, params, func() bool { return taskCtx.Err() != nil })
}

func (e *TaskExecutor) remove(operationID string, t *task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tasks[operationID] == t {
		delete(e.tasks, operationID)
	}
}

// CancelOperation cancels the operation if it is still pending.
func (e *TaskExecutor) CancelOperation(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t := e.tasks[operationID]; t != nil && !t.started {
		t.cancel()
	}
}

// InFlight reports accepted operations, pending or running.
func (e *TaskExecutor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Shutdown cancels pending tasks and waits for running ones up to the
// shutdown timeout, after which their context is cancelled.
func (e *TaskExecutor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, t := range e.tasks {
		if !t.started {
			t.cancel()
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("executor: shutdown complete")
	case <-time.After(e.config.ShutdownTimeout):
		e.logger.Warn("executor: shutdown timeout, cancelling running operations",
			zap.Duration("timeout", e.config.ShutdownTimeout))
		e.cancelRun()
		<-done
	}
	e.cancelRun()
}
