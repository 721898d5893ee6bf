package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// Ledger is a process-local execution ledger. Every mutation takes the same
// mutex, which gives the compare-and-swap operations their atomicity.
type Ledger struct {
	mu   sync.Mutex
	rows map[string]domain.LedgerRow
}

func NewLedger() *Ledger {
	return &Ledger{rows: make(map[string]domain.LedgerRow)}
}

func (l *Ledger) Earliest(ctx context.Context) (domain.LedgerRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		best  domain.LedgerRow
		found bool
	)
	for _, r := range l.rows {
		if !found || r.ExecutionTime.Before(best.ExecutionTime) ||
			(r.ExecutionTime.Equal(best.ExecutionTime) && r.ID < best.ID) {
			best, found = r, true
		}
	}
	if !found {
		return domain.LedgerRow{}, domain.ErrNotFound
	}
	return best, nil
}

func (l *Ledger) GetByTrigger(ctx context.Context, triggerID string) (domain.LedgerRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.TriggerID == triggerID {
			return r, nil
		}
	}
	return domain.LedgerRow{}, domain.ErrNotFound
}

func (l *Ledger) Insert(ctx context.Context, row domain.LedgerRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rows[row.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, r := range l.rows {
		if r.TriggerID == row.TriggerID {
			return domain.ErrAlreadyExists
		}
	}
	row.ExecutionTime = row.ExecutionTime.UTC()
	l.rows[row.ID] = row
	return nil
}

func (l *Ledger) UpdateIfUnchanged(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok || !r.ExecutionTime.Equal(expected) {
		return false, nil
	}
	r.ExecutionTime = next.UTC()
	l.rows[id] = r
	return true, nil
}

func (l *Ledger) DeleteIfUnchanged(ctx context.Context, id string, expected time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok || !r.ExecutionTime.Equal(expected) {
		return false, nil
	}
	delete(l.rows, id)
	return true, nil
}

func (l *Ledger) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, id)
	return nil
}

func (l *Ledger) DeleteByTrigger(ctx context.Context, triggerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.rows {
		if r.TriggerID == triggerID {
			delete(l.rows, id)
		}
	}
	return nil
}

// List returns rows ordered by execution time.
func (l *Ledger) List(ctx context.Context, limit, offset int) ([]domain.LedgerRow, error) {
	l.mu.Lock()
	all := make([]domain.LedgerRow, 0, len(l.rows))
	for _, r := range l.rows {
		all = append(all, r)
	}
	l.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ExecutionTime.Equal(all[j].ExecutionTime) {
			return all[i].ID < all[j].ID
		}
		return all[i].ExecutionTime.Before(all[j].ExecutionTime)
	})
	return page(all, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
