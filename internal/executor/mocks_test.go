package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

type stateChange struct {
	state domain.OperationStateValue
	end   *time.Time
}

// mockStore records every state update per operation.
type mockStore struct {
	mu        sync.Mutex
	ops       map[string]domain.ScheduledOperation
	history   map[string][]stateChange
	failState domain.OperationStateValue
}

func newMockStore(ops ...string) *mockStore {
	s := &mockStore{
		ops:     make(map[string]domain.ScheduledOperation),
		history: make(map[string][]stateChange),
	}
	for _, id := range ops {
		s.ops[id] = domain.ScheduledOperation{ID: id, TriggerID: "trigger-" + id, UserID: "user", ProjectID: "project"}
	}
	return s
}

func (s *mockStore) UpdateOperationState(ctx context.Context, operationID string, update domain.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if update.State != nil && *update.State == s.failState {
		return errors.New("database unavailable")
	}
	var st domain.OperationStateValue
	if update.State != nil {
		st = *update.State
	}
	s.history[operationID] = append(s.history[operationID], stateChange{state: st, end: update.EndTimeForRun})
	return nil
}

func (s *mockStore) GetOperation(ctx context.Context, operationID string) (domain.ScheduledOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return domain.ScheduledOperation{}, domain.ErrNotFound
	}
	return op, nil
}

func (s *mockStore) states(operationID string) []domain.OperationStateValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OperationStateValue
	for _, c := range s.history[operationID] {
		out = append(out, c.state)
	}
	return out
}

func (s *mockStore) lastState(operationID string) domain.OperationStateValue {
	states := s.states(operationID)
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

func (s *mockStore) triggeredEnd(operationID string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.history[operationID] {
		if c.state == domain.OperationStateTriggered {
			return c.end
		}
	}
	return nil
}

// mockRunner records runs. Operations listed in block wait until released.
type mockRunner struct {
	mu      sync.Mutex
	runs    []domain.RunParams
	block   map[string]chan struct{}
	started chan string
}

func newMockRunner(blocked ...string) *mockRunner {
	r := &mockRunner{
		block:   make(map[string]chan struct{}),
		started: make(chan string, 100),
	}
	for _, id := range blocked {
		r.block[id] = make(chan struct{})
	}
	return r
}

func (r *mockRunner) Run(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) error {
	r.mu.Lock()
	r.runs = append(r.runs, params)
	ch := r.block[op.ID]
	r.mu.Unlock()

	r.started <- op.ID
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *mockRunner) release(operationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch := r.block[operationID]; ch != nil {
		close(ch)
		delete(r.block, operationID)
	}
}

func (r *mockRunner) runCount(operationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.runs {
		if p.OperationID == operationID {
			n++
		}
	}
	return n
}

func (r *mockRunner) lastRun() domain.RunParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

func waitStarted(r *mockRunner, operationID string) bool {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case id := <-r.started:
			if id == operationID {
				return true
			}
		case <-timeout:
			return false
		}
	}
}

type mockMetrics struct {
	mu       sync.Mutex
	rejected map[string]int
	done     int
}

func newMockMetrics() *mockMetrics { return &mockMetrics{rejected: make(map[string]int)} }

func (m *mockMetrics) ExecutionsInFlightIncr() {}
func (m *mockMetrics) ExecutionsInFlightDecr() {}
func (m *mockMetrics) ExecutionRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}
func (m *mockMetrics) ExecutionCompleted(runType string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done++
}

// executorUnderTest is the surface shared by both strategies.
type executorUnderTest interface {
	ExecuteOperation(ctx context.Context, operationID string, triggeredTime, expectStartTime time.Time, window time.Duration) error
	ResumeOperation(ctx context.Context, operationID string, endTimeForRun time.Time) error
	CancelOperation(operationID string)
	InFlight() int
	Shutdown()
}
