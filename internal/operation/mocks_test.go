package operation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

type mockLogStore struct {
	mu   sync.Mutex
	logs map[string]domain.OperationLog
}

func newMockLogStore(logs ...domain.OperationLog) *mockLogStore {
	s := &mockLogStore{logs: make(map[string]domain.OperationLog)}
	for _, l := range logs {
		s.logs[l.ID] = l
	}
	return s
}

func (s *mockLogStore) CreateLog(ctx context.Context, log domain.OperationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[log.ID] = log
	return nil
}

func (s *mockLogStore) UpdateLog(ctx context.Context, logID string, update domain.LogUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logID]
	if !ok {
		return domain.ErrNotFound
	}
	if update.State != nil {
		l.State = *update.State
	}
	if update.EndTime != nil {
		l.EndTime = update.EndTime
	}
	if update.Error != nil {
		l.Error = *update.Error
	}
	if update.ExtraInfo != nil {
		l.ExtraInfo = update.ExtraInfo
	}
	s.logs[logID] = l
	return nil
}

func (s *mockLogStore) ListLogs(ctx context.Context, operationID string, states ...domain.LogState) ([]domain.OperationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OperationLog
	for _, l := range s.logs {
		if l.OperationID != operationID {
			continue
		}
		if len(states) > 0 && !containsState(states, l.State) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *mockLogStore) DeleteLogs(ctx context.Context, logIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range logIDs {
		delete(s.logs, id)
	}
	return nil
}

func (s *mockLogStore) all(operationID string) []domain.OperationLog {
	logs, _ := s.ListLogs(context.Background(), operationID)
	return logs
}

func containsState(states []domain.LogState, s domain.LogState) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// mockOperation counts calls and returns the configured outcome.
type mockOperation struct {
	mu       sync.Mutex
	executed int
	resumed  int
	err      error
	panics   bool
	result   Result
}

func (o *mockOperation) CheckDefinition(def map[string]string) error {
	if def["bad"] != "" {
		return domain.ErrInvalidInput
	}
	return nil
}

func (o *mockOperation) Execute(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error) {
	o.mu.Lock()
	o.executed++
	o.mu.Unlock()
	if o.panics {
		panic("boom")
	}
	return o.result, o.err
}

func (o *mockOperation) Resume(ctx context.Context, op domain.ScheduledOperation, params domain.RunParams) (Result, error) {
	o.mu.Lock()
	o.resumed++
	o.mu.Unlock()
	return o.result, o.err
}

type mockClient struct {
	mu          sync.Mutex
	createErrs  []error
	creates     int
	checkpoints []domain.Checkpoint
	deleted     []string
	deleteErr   map[string]error
	lastExtra   map[string]string
}

func (c *mockClient) CreateCheckpoint(ctx context.Context, token, projectID, providerID, planID string, extraInfo map[string]string) (domain.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	c.lastExtra = extraInfo
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		if err != nil {
			return domain.Checkpoint{}, err
		}
	}
	return domain.Checkpoint{ID: "cp-new", ProviderID: providerID, PlanID: planID, Status: "protecting"}, nil
}

func (c *mockClient) ListCheckpoints(ctx context.Context, token, projectID, providerID, planID, status string) ([]domain.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Checkpoint, len(c.checkpoints))
	copy(out, c.checkpoints)
	return out, nil
}

func (c *mockClient) DeleteCheckpoint(ctx context.Context, token, projectID, providerID, checkpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.deleteErr[checkpointID]; err != nil {
		return err
	}
	c.deleted = append(c.deleted, checkpointID)
	return nil
}

type mockTokens struct {
	err error
}

func (t mockTokens) Token(ctx context.Context, userID, projectID string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return "tok-" + userID, nil
}

type mockBreaker struct {
	mu        sync.Mutex
	open      bool
	successes int
	failures  int
}

var errOpen = errors.New("circuit breaker is open")

func (b *mockBreaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return errOpen
	}
	return nil
}

func (b *mockBreaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
}

func (b *mockBreaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

func logAt(id, operationID string, state domain.LogState, created time.Time) domain.OperationLog {
	return domain.OperationLog{ID: id, OperationID: operationID, State: state, CreatedAt: created, ExpectStartTime: created}
}
