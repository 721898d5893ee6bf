package trigger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// base holds the state shared by both realizations. All fields are guarded
// by mu, which is also held by the firing path.
type base struct {
	mu    sync.Mutex
	id    string
	prop  Property
	ops   map[string]struct{}
	state State

	lastFire   time.Time
	lastWindow time.Duration
	ended      bool
}

func newBase(id string, prop Property) base {
	return base{
		id:    id,
		prop:  prop,
		ops:   make(map[string]struct{}),
		state: StateCreated,
	}
}

func (b *base) ID() string { return b.id }

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) HasOperations() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops) > 0
}

func (b *base) Operations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.operationsLocked()
}

func (b *base) operationsLocked() []string {
	out := make([]string, 0, len(b.ops))
	for id := range b.ops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *base) Property() Property {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prop
}

// checkRegisterLocked validates a registration and returns the next fire
// time from now.
func (b *base) checkRegisterLocked(operationID string, now time.Time) (time.Time, error) {
	if b.state == StateShutdown {
		return time.Time{}, fmt.Errorf("%w: trigger %s is shut down", domain.ErrTriggerInvalid, b.id)
	}
	if _, ok := b.ops[operationID]; ok {
		return time.Time{}, fmt.Errorf("%w: operation %s already registered on trigger %s",
			domain.ErrAlreadyExists, operationID, b.id)
	}
	if b.ended {
		return time.Time{}, fmt.Errorf("%w: trigger %s has no further fires", domain.ErrTriggerInvalid, b.id)
	}
	next, ok := b.prop.Next(now)
	if !ok {
		b.ended = true
		return time.Time{}, fmt.Errorf("%w: trigger %s has no further fires", domain.ErrTriggerInvalid, b.id)
	}
	return next, nil
}

// checkUpdateLocked returns the first fire of prop from now. While the window
// of the last fire is still open, that first fire must come after the window
// closes or the same instant could run twice.
func (b *base) checkUpdateLocked(prop Property, now time.Time) (time.Time, error) {
	if b.state == StateShutdown {
		return time.Time{}, fmt.Errorf("%w: trigger %s is shut down", domain.ErrTriggerInvalid, b.id)
	}
	first, ok := prop.Next(now)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: new property has no future fire time", domain.ErrInvalidInput)
	}
	if !b.lastFire.IsZero() {
		closes := b.lastFire.Add(b.lastWindow)
		if now.Before(closes) && !first.After(closes) {
			return time.Time{}, fmt.Errorf("%w: first run %s falls inside the open window of the run at %s",
				domain.ErrInvalidInput, first.Format(time.RFC3339), b.lastFire.Format(time.RFC3339))
		}
	}
	return first, nil
}

func (b *base) markFiredLocked(fireTime time.Time, hasNext bool) {
	b.lastFire = fireTime
	b.lastWindow = b.prop.Window
	if !hasNext {
		b.ended = true
	}
}
