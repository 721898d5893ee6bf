// Package memory holds process-local implementations of every persistence
// contract. It backs single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// Store keeps triggers, scheduled operations, their states and logs in maps
// guarded by one mutex. Returned values are copies.
type Store struct {
	mu         sync.Mutex
	triggers   map[string]domain.Trigger
	operations map[string]domain.ScheduledOperation
	states     map[string]domain.OperationState
	logs       map[string]domain.OperationLog
}

func NewStore() *Store {
	return &Store{
		triggers:   make(map[string]domain.Trigger),
		operations: make(map[string]domain.ScheduledOperation),
		states:     make(map[string]domain.OperationState),
		logs:       make(map[string]domain.OperationLog),
	}
}

// Triggers

func (s *Store) CreateTrigger(ctx context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[t.ID]; ok {
		return fmt.Errorf("trigger %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	s.triggers[t.ID] = t
	return nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[t.ID]; !ok {
		return fmt.Errorf("trigger %s: %w", t.ID, domain.ErrNotFound)
	}
	s.triggers[t.ID] = t
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return domain.Trigger{}, fmt.Errorf("trigger %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// ListTriggers pages through triggers ordered by creation time.
func (s *Store) ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	s.mu.Lock()
	all := make([]domain.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		all = append(all, t)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return page(all, limit, offset), nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return fmt.Errorf("trigger %s: %w", id, domain.ErrNotFound)
	}
	delete(s.triggers, id)
	return nil
}

// Scheduled operations

func (s *Store) CreateOperation(ctx context.Context, op domain.ScheduledOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; ok {
		return fmt.Errorf("operation %s: %w", op.ID, domain.ErrAlreadyExists)
	}
	op.Definition = copyMap(op.Definition)
	s.operations[op.ID] = op
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (domain.ScheduledOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return domain.ScheduledOperation{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	op.Definition = copyMap(op.Definition)
	return op, nil
}

func (s *Store) SetOperationEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	op.Enabled = enabled
	s.operations[id] = op
	return nil
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[id]; !ok {
		return fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	delete(s.operations, id)
	return nil
}

// Operation states

func (s *Store) CreateOperationState(ctx context.Context, st domain.OperationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[st.OperationID]; ok {
		return fmt.Errorf("state of operation %s: %w", st.OperationID, domain.ErrAlreadyExists)
	}
	s.states[st.OperationID] = st
	return nil
}

func (s *Store) GetOperationState(ctx context.Context, operationID string) (domain.OperationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[operationID]
	if !ok {
		return domain.OperationState{}, fmt.Errorf("state of operation %s: %w", operationID, domain.ErrNotFound)
	}
	return st, nil
}

// UpdateOperationState applies update. A deleted state only accepts being
// deleted again.
func (s *Store) UpdateOperationState(ctx context.Context, operationID string, update domain.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[operationID]
	if !ok {
		return fmt.Errorf("state of operation %s: %w", operationID, domain.ErrNotFound)
	}
	if st.State == domain.OperationStateDeleted &&
		(update.State == nil || *update.State != domain.OperationStateDeleted) {
		return fmt.Errorf("operation %s: %w", operationID, domain.ErrStateTransitionDenied)
	}
	if update.State != nil {
		st.State = *update.State
	}
	if update.EndTimeForRun != nil {
		end := *update.EndTimeForRun
		st.EndTimeForRun = &end
	}
	s.states[operationID] = st
	return nil
}

func (s *Store) DeleteOperationState(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, operationID)
	return nil
}

// ListOperationStates pages through states matching filter, joined with
// their operations and ordered by operation id. States whose operation is
// gone are skipped.
func (s *Store) ListOperationStates(ctx context.Context, filter domain.StateFilter, limit, offset int) ([]domain.StateWithOperation, error) {
	s.mu.Lock()
	var all []domain.StateWithOperation
	for id, st := range s.states {
		if filter.ServiceID != "" && st.ServiceID != filter.ServiceID {
			continue
		}
		if len(filter.States) > 0 && !containsStateValue(filter.States, st.State) {
			continue
		}
		op, ok := s.operations[id]
		if !ok {
			continue
		}
		op.Definition = copyMap(op.Definition)
		all = append(all, domain.StateWithOperation{State: st, Operation: op})
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].State.OperationID < all[j].State.OperationID })
	return page(all, limit, offset), nil
}

// Operation logs

func (s *Store) CreateLog(ctx context.Context, log domain.OperationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[log.ID]; ok {
		return fmt.Errorf("log %s: %w", log.ID, domain.ErrAlreadyExists)
	}
	log.ExtraInfo = copyMap(log.ExtraInfo)
	s.logs[log.ID] = log
	return nil
}

func (s *Store) UpdateLog(ctx context.Context, logID string, update domain.LogUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[logID]
	if !ok {
		return fmt.Errorf("log %s: %w", logID, domain.ErrNotFound)
	}
	if update.State != nil {
		l.State = *update.State
	}
	if update.EndTime != nil {
		end := *update.EndTime
		l.EndTime = &end
	}
	if update.Error != nil {
		l.Error = *update.Error
	}
	if update.ExtraInfo != nil {
		l.ExtraInfo = copyMap(update.ExtraInfo)
	}
	s.logs[logID] = l
	return nil
}

// ListLogs returns the logs of an operation newest first.
func (s *Store) ListLogs(ctx context.Context, operationID string, states ...domain.LogState) ([]domain.OperationLog, error) {
	s.mu.Lock()
	var out []domain.OperationLog
	for _, l := range s.logs {
		if l.OperationID != operationID {
			continue
		}
		if len(states) > 0 && !containsLogState(states, l.State) {
			continue
		}
		l.ExtraInfo = copyMap(l.ExtraInfo)
		out = append(out, l)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteLogs(ctx context.Context, logIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range logIDs {
		delete(s.logs, id)
	}
	return nil
}

func containsStateValue(states []domain.OperationStateValue, v domain.OperationStateValue) bool {
	for _, s := range states {
		if s == v {
			return true
		}
	}
	return false
}

func containsLogState(states []domain.LogState, v domain.LogState) bool {
	for _, s := range states {
		if s == v {
			return true
		}
	}
	return false
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
