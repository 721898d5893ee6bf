package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
	"github.com/djlord-it/easy-protect/internal/testutil"
	"github.com/djlord-it/easy-protect/internal/timeformat"
)

func newTestManager(t *testing.T) (*Manager, *mockExecutor) {
	t.Helper()
	exec := newMockExecutor()
	clk := testutil.NewFakeClock(epoch)
	m, err := NewManager(DefaultConfig(), timeformat.NewRegistry(), exec)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.RegisterFactory(domain.TriggerTypeTime, NewTimerFactory(exec, clk, nil))
	t.Cleanup(m.Shutdown)
	return m, exec
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	cfg := Config{MinInterval: 30 * time.Minute, MinWindow: 15 * time.Minute, MaxWindow: 30 * time.Minute}
	if _, err := NewManager(cfg, timeformat.NewRegistry(), newMockExecutor()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestManager_AddTrigger(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTrigger(ctx, "t1", domain.TriggerTypeTime, validDefinition()); err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}
	if _, ok := m.Get("t1"); !ok {
		t.Fatal("trigger not resident")
	}

	if err := m.AddTrigger(ctx, "t1", domain.TriggerTypeTime, validDefinition()); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate: expected ErrAlreadyExists, got %v", err)
	}
	if err := m.AddTrigger(ctx, "t2", "event", validDefinition()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("unknown type: expected ErrInvalidInput, got %v", err)
	}

	bad := validDefinition()
	bad.Window = 5
	if err := m.AddTrigger(ctx, "t3", domain.TriggerTypeTime, bad); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad definition: expected ErrInvalidInput, got %v", err)
	}
	if _, ok := m.Get("t3"); ok {
		t.Error("invalid trigger must not be kept")
	}
}

func TestManager_RemoveTriggerWithOperationsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTrigger(ctx, "t1", domain.TriggerTypeTime, validDefinition()); err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}
	if err := m.RegisterOperation(ctx, "t1", "op-a", nil); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}

	if err := m.RemoveTrigger(ctx, "t1"); !errors.Is(err, domain.ErrDeleteNotAllowed) {
		t.Fatalf("expected ErrDeleteNotAllowed, got %v", err)
	}
	if _, ok := m.Get("t1"); !ok {
		t.Fatal("trigger must survive a refused removal")
	}

	if err := m.UnregisterOperation(ctx, "t1", "op-a"); err != nil {
		t.Fatalf("UnregisterOperation: %v", err)
	}
	if err := m.RemoveTrigger(ctx, "t1"); err != nil {
		t.Fatalf("RemoveTrigger: %v", err)
	}
	if err := m.RemoveTrigger(ctx, "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_UnknownTrigger(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.RegisterOperation(ctx, "missing", "op-a", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("RegisterOperation: expected ErrNotFound, got %v", err)
	}
	if err := m.UnregisterOperation(ctx, "missing", "op-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UnregisterOperation: expected ErrNotFound, got %v", err)
	}
	if err := m.UpdateTrigger(ctx, "missing", validDefinition()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("UpdateTrigger: expected ErrNotFound, got %v", err)
	}
}

func TestManager_RegisterWithResumeHint(t *testing.T) {
	m, exec := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTrigger(ctx, "t1", domain.TriggerTypeTime, validDefinition()); err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}
	end := epoch.Add(10 * time.Minute)
	if err := m.RegisterOperation(ctx, "t1", "op-a", &ResumeHint{EndTimeForRun: end}); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}

	exec.mu.Lock()
	got, ok := exec.resumed["op-a"]
	exec.mu.Unlock()
	if !ok || !got.Equal(end) {
		t.Errorf("resumed = %v (%v), want %v", got, ok, end)
	}
}

func TestManager_UnregisterCancelsPendingRun(t *testing.T) {
	m, exec := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTrigger(ctx, "t1", domain.TriggerTypeTime, validDefinition()); err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}
	if err := m.RegisterOperation(ctx, "t1", "op-a", nil); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	if err := m.UnregisterOperation(ctx, "t1", "op-a"); err != nil {
		t.Fatalf("UnregisterOperation: %v", err)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.cancelled) != 1 || exec.cancelled[0] != "op-a" {
		t.Errorf("cancelled = %v, want [op-a]", exec.cancelled)
	}
}

func TestManager_UpdateTrigger(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.AddTrigger(ctx, "t1", domain.TriggerTypeTime, validDefinition()); err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}
	def := validDefinition()
	def.Pattern = "0 */2 * * *"
	if err := m.UpdateTrigger(ctx, "t1", def); err != nil {
		t.Fatalf("UpdateTrigger: %v", err)
	}
	trig, _ := m.Get("t1")
	if trig.Property().Pattern != "0 */2 * * *" {
		t.Errorf("pattern = %q", trig.Property().Pattern)
	}

	def.Pattern = "*/5 * * * *"
	if err := m.UpdateTrigger(ctx, "t1", def); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestManager_ShutdownStopsExecutor(t *testing.T) {
	exec := newMockExecutor()
	m, err := NewManager(DefaultConfig(), timeformat.NewRegistry(), exec)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.RegisterFactory(domain.TriggerTypeTime, NewTimerFactory(exec, testutil.NewFakeClock(epoch), nil))
	if err := m.AddTrigger(context.Background(), "t1", domain.TriggerTypeTime, validDefinition()); err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}

	m.Shutdown()

	if _, ok := m.Get("t1"); ok {
		t.Error("triggers should be dropped on shutdown")
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if !exec.shutdown {
		t.Error("executor not shut down")
	}
}
