// Package channel provides the bounded in-process work queue feeding the pool
// executor's workers.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrBufferFull is returned when the queue stays full past the emit timeout.
	ErrBufferFull = errors.New("queue buffer full")
	ErrClosed     = errors.New("queue closed")
)

// MetricsSink records queue metrics. Methods must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	EmitError()
}

type Option func(*options)

type options struct {
	emitTimeout time.Duration
	metrics     MetricsSink
}

// WithEmitTimeout bounds how long Emit waits for space. Zero means Emit never
// waits.
func WithEmitTimeout(d time.Duration) Option {
	return func(o *options) { o.emitTimeout = d }
}

func WithMetrics(sink MetricsSink) Option {
	return func(o *options) { o.metrics = sink }
}

// Queue is a bounded FIFO of work items.
type Queue[T any] struct {
	ch   chan T
	opts options

	mu     sync.RWMutex
	closed bool
}

func NewQueue[T any](buffer int, opts ...Option) *Queue[T] {
	q := &Queue[T]{ch: make(chan T, buffer)}
	for _, opt := range opts {
		opt(&q.opts)
	}
	if q.opts.metrics != nil {
		q.opts.metrics.BufferCapacitySet(buffer)
	}
	return q
}

func (q *Queue[T]) Emit(ctx context.Context, item T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.ch <- item:
		q.reportSize()
		return nil
	default:
	}
	if q.opts.emitTimeout <= 0 {
		q.emitError()
		return ErrBufferFull
	}

	timer := time.NewTimer(q.opts.emitTimeout)
	defer timer.Stop()
	select {
	case q.ch <- item:
		q.reportSize()
		return nil
	case <-timer.C:
		q.emitError()
		return ErrBufferFull
	case <-ctx.Done():
		q.emitError()
		return ctx.Err()
	}
}

// Channel returns the receive side. It is closed by Close.
func (q *Queue[T]) Channel() <-chan T {
	return q.ch
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops accepting items. Buffered items stay readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *Queue[T]) reportSize() {
	if q.opts.metrics != nil {
		q.opts.metrics.BufferSizeUpdate(len(q.ch))
	}
}

func (q *Queue[T]) emitError() {
	if q.opts.metrics != nil {
		q.opts.metrics.EmitError()
	}
}
