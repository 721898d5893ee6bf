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

var epoch = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func everyMinuteProperty(t *testing.T) Property {
	t.Helper()
	cfg := Config{MinInterval: time.Minute, MinWindow: 10 * time.Second, MaxWindow: 30 * time.Second}
	prop, err := CheckDefinition(domain.TriggerDefinition{
		Format:    timeformat.FormatCrontab,
		Pattern:   "* * * * *",
		StartTime: "2024-01-15 10:00:00",
		Window:    15,
	}, cfg, timeformat.NewRegistry())
	if err != nil {
		t.Fatalf("CheckDefinition: %v", err)
	}
	return prop
}

func TestTimerTrigger_EveryMinuteOnVirtualClock(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	exec := newMockExecutor()
	trig := NewTimerTrigger("t1", everyMinuteProperty(t), exec, clk, nil)
	defer trig.Shutdown()

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	if trig.State() != StateActive {
		t.Errorf("state = %s, want active", trig.State())
	}
	if want := epoch.Add(time.Minute); !trig.NextWake().Equal(want) {
		t.Errorf("NextWake = %v, want %v", trig.NextWake(), want)
	}

	for i := 1; i <= 3; i++ {
		if !testutil.WaitFor(t, 2*time.Second, func() bool { return clk.PendingTimers() == 1 }) {
			t.Fatalf("fire %d: trigger never armed its timer", i)
		}
		clk.Advance(time.Minute)
		if !testutil.WaitFor(t, 2*time.Second, func() bool { return len(exec.submissions()) == i }) {
			t.Fatalf("fire %d: submissions = %d", i, len(exec.submissions()))
		}
	}

	for i, s := range exec.submissions() {
		want := epoch.Add(time.Duration(i+1) * time.Minute)
		if !s.expect.Equal(want) {
			t.Errorf("fire %d: expect = %v, want %v", i, s.expect, want)
		}
		if s.operationID != "op-a" {
			t.Errorf("fire %d: operation = %s", i, s.operationID)
		}
		if s.window != 15*time.Second {
			t.Errorf("fire %d: window = %v", i, s.window)
		}
	}
}

func TestTimerTrigger_ReRegistrationRejected(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	trig := NewTimerTrigger("t1", everyMinuteProperty(t), newMockExecutor(), clk, nil)
	defer trig.Shutdown()

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	err := trig.RegisterOperation(context.Background(), "op-a")
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got := trig.Operations(); len(got) != 1 {
		t.Errorf("operations = %v, want one", got)
	}
}

func TestTimerTrigger_UnregisterIdempotent(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	trig := NewTimerTrigger("t1", everyMinuteProperty(t), newMockExecutor(), clk, nil)
	defer trig.Shutdown()

	trig.UnregisterOperation(context.Background(), "never-registered")
	if trig.State() != StateCreated {
		t.Errorf("state = %s, want created", trig.State())
	}

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	trig.UnregisterOperation(context.Background(), "op-a")
	trig.UnregisterOperation(context.Background(), "op-a")

	if trig.HasOperations() {
		t.Error("expected no operations")
	}
	if trig.State() != StateIdle {
		t.Errorf("state = %s, want idle", trig.State())
	}
	if !trig.NextWake().IsZero() {
		t.Error("idle trigger should have no wake time")
	}
}

func TestTimerTrigger_NoFireWhileIdle(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	exec := newMockExecutor()
	trig := NewTimerTrigger("t1", everyMinuteProperty(t), exec, clk, nil)
	defer trig.Shutdown()

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	trig.UnregisterOperation(context.Background(), "op-a")

	if !testutil.WaitFor(t, 2*time.Second, func() bool { return clk.PendingTimers() == 0 }) {
		t.Fatal("timer still armed after going idle")
	}
	clk.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if n := len(exec.submissions()); n != 0 {
		t.Errorf("submissions = %d, want 0", n)
	}
}

func TestTimerTrigger_EndedScheduleRejectsRegistration(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	exec := newMockExecutor()
	prop := listProperty(15*time.Second, epoch.Add(time.Minute))
	trig := NewTimerTrigger("t1", prop, exec, clk, nil)
	defer trig.Shutdown()

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return clk.PendingTimers() == 1 }) {
		t.Fatal("timer never armed")
	}
	clk.Advance(time.Minute)
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return len(exec.submissions()) == 1 }) {
		t.Fatal("final fire not submitted")
	}

	err := trig.RegisterOperation(context.Background(), "op-b")
	if !errors.Is(err, domain.ErrTriggerInvalid) {
		t.Errorf("expected ErrTriggerInvalid, got %v", err)
	}
}

func TestTimerTrigger_PastEndRejectsFirstRegistration(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	prop := listProperty(15*time.Second, epoch.Add(-time.Hour))
	trig := NewTimerTrigger("t1", prop, newMockExecutor(), clk, nil)
	defer trig.Shutdown()

	err := trig.RegisterOperation(context.Background(), "op-a")
	if !errors.Is(err, domain.ErrTriggerInvalid) {
		t.Fatalf("expected ErrTriggerInvalid, got %v", err)
	}
	if trig.HasOperations() {
		t.Error("rejected operation must not be kept")
	}
}

func TestTimerTrigger_OutOfWindowFireDropped(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	exec := newMockExecutor()
	prop := listProperty(15*time.Second, epoch.Add(time.Minute), epoch.Add(10*time.Minute))
	trig := NewTimerTrigger("t1", prop, exec, clk, nil)
	defer trig.Shutdown()

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return clk.PendingTimers() == 1 }) {
		t.Fatal("timer never armed")
	}

	// Wake late: the 10:01 fire is stale by the time the goroutine runs.
	clk.Advance(time.Minute + 30*time.Second)
	if !testutil.WaitFor(t, 2*time.Second, func() bool {
		return trig.NextWake().Equal(epoch.Add(10 * time.Minute))
	}) {
		t.Fatalf("NextWake = %v", trig.NextWake())
	}
	if n := len(exec.submissions()); n != 0 {
		t.Errorf("stale fire submitted %d operations", n)
	}
}

func TestTimerTrigger_UpdateInsideOpenWindowRejected(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	exec := newMockExecutor()
	prop := listProperty(30*time.Second, epoch.Add(time.Minute), epoch.Add(time.Hour))
	trig := NewTimerTrigger("t1", prop, exec, clk, nil)
	defer trig.Shutdown()

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return clk.PendingTimers() == 1 }) {
		t.Fatal("timer never armed")
	}
	clk.Advance(time.Minute)
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return len(exec.submissions()) == 1 }) {
		t.Fatal("fire not submitted")
	}

	// Window of the 10:01 fire closes at 10:01:30.
	tooSoon := listProperty(30*time.Second, epoch.Add(time.Minute+20*time.Second))
	if err := trig.UpdateProperty(context.Background(), tooSoon); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	later := listProperty(30*time.Second, epoch.Add(5*time.Minute))
	if err := trig.UpdateProperty(context.Background(), later); err != nil {
		t.Fatalf("UpdateProperty: %v", err)
	}
	if !testutil.WaitFor(t, 2*time.Second, func() bool {
		return trig.NextWake().Equal(epoch.Add(5 * time.Minute))
	}) {
		t.Errorf("NextWake = %v, want %v", trig.NextWake(), epoch.Add(5*time.Minute))
	}
}

func TestTimerTrigger_UpdateMovesPendingFire(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	exec := newMockExecutor()
	trig := NewTimerTrigger("t1", listProperty(15*time.Second, epoch.Add(time.Hour)), exec, clk, nil)
	defer trig.Shutdown()

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return clk.PendingTimers() == 1 }) {
		t.Fatal("timer never armed")
	}

	if err := trig.UpdateProperty(context.Background(), listProperty(15*time.Second, epoch.Add(2*time.Minute))); err != nil {
		t.Fatalf("UpdateProperty: %v", err)
	}
	// The old timer is replaced by one at the new instant.
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return clk.PendingTimers() == 1 }) {
		t.Fatal("timer not re-armed")
	}
	clk.Advance(2 * time.Minute)
	if !testutil.WaitFor(t, 2*time.Second, func() bool { return len(exec.submissions()) == 1 }) {
		t.Fatal("updated fire not submitted")
	}
	if got := exec.submissions()[0].expect; !got.Equal(epoch.Add(2 * time.Minute)) {
		t.Errorf("expect = %v, want %v", got, epoch.Add(2*time.Minute))
	}
}

func TestTimerTrigger_ShutdownStopsGoroutine(t *testing.T) {
	clk := testutil.NewFakeClock(epoch)
	trig := NewTimerTrigger("t1", everyMinuteProperty(t), newMockExecutor(), clk, nil)

	if err := trig.RegisterOperation(context.Background(), "op-a"); err != nil {
		t.Fatalf("RegisterOperation: %v", err)
	}

	done := make(chan struct{})
	go func() {
		trig.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	if trig.State() != StateShutdown {
		t.Errorf("state = %s, want shutdown", trig.State())
	}
	if err := trig.RegisterOperation(context.Background(), "op-b"); !errors.Is(err, domain.ErrTriggerInvalid) {
		t.Errorf("expected ErrTriggerInvalid after shutdown, got %v", err)
	}
}
