package trigger

import (
	"context"
	"sync"
	"time"
)

// listSchedule fires at a fixed list of instants.
type listSchedule struct {
	times []time.Time
}

func (s listSchedule) Next(after time.Time) (time.Time, bool) {
	for _, t := range s.times {
		if t.After(after) {
			return t, true
		}
	}
	return time.Time{}, false
}

func (s listSchedule) MinInterval() (time.Duration, bool) { return 0, false }

func listProperty(window time.Duration, times ...time.Time) Property {
	return Property{Format: "list", Window: window, schedule: listSchedule{times: times}}
}

type submission struct {
	operationID string
	triggered   time.Time
	expect      time.Time
	window      time.Duration
}

// mockExecutor records every call.
type mockExecutor struct {
	mu        sync.Mutex
	submitted []submission
	cancelled []string
	resumed   map[string]time.Time
	shutdown  bool
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{resumed: make(map[string]time.Time)}
}

func (e *mockExecutor) ExecuteOperation(ctx context.Context, operationID string, triggeredTime, expectStartTime time.Time, window time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, submission{operationID, triggeredTime, expectStartTime, window})
	return nil
}

func (e *mockExecutor) CancelOperation(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, operationID)
}

func (e *mockExecutor) ResumeOperation(ctx context.Context, operationID string, endTimeForRun time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumed[operationID] = endTimeForRun
	return nil
}

func (e *mockExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
}

func (e *mockExecutor) submissions() []submission {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]submission, len(e.submitted))
	copy(out, e.submitted)
	return out
}
