package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/djlord-it/easy-protect/internal/domain"
)

// Ledger is the execution ledger in the execution_ledger table. The unique
// trigger_id column keeps one row per trigger.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Earliest(ctx context.Context) (domain.LedgerRow, error) {
	row, err := scanLedgerRow(l.db.QueryRowContext(ctx, queryLedgerEarliest))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerRow{}, domain.ErrNotFound
	}
	return row, err
}

func (l *Ledger) GetByTrigger(ctx context.Context, triggerID string) (domain.LedgerRow, error) {
	row, err := scanLedgerRow(l.db.QueryRowContext(ctx, queryLedgerByTrigger, triggerID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerRow{}, domain.ErrNotFound
	}
	return row, err
}

func (l *Ledger) Insert(ctx context.Context, row domain.LedgerRow) error {
	_, err := l.db.ExecContext(ctx, queryLedgerInsert, row.ID, row.TriggerID, row.ExecutionTime.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("ledger row for trigger %s: %w", row.TriggerID, domain.ErrAlreadyExists)
	}
	return err
}

func (l *Ledger) UpdateIfUnchanged(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, queryLedgerUpdateIfUnchanged, id, expected.UTC(), next.UTC())
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (l *Ledger) DeleteIfUnchanged(ctx context.Context, id string, expected time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, queryLedgerDeleteIfUnchanged, id, expected.UTC())
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (l *Ledger) Delete(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, queryLedgerDelete, id)
	return err
}

func (l *Ledger) DeleteByTrigger(ctx context.Context, triggerID string) error {
	_, err := l.db.ExecContext(ctx, queryLedgerDeleteByTrigger, triggerID)
	return err
}

// List returns rows ordered by execution time.
func (l *Ledger) List(ctx context.Context, limit, offset int) ([]domain.LedgerRow, error) {
	rows, err := l.db.QueryContext(ctx, queryLedgerList, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.LedgerRow
	for rows.Next() {
		row, err := scanLedgerRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanLedgerRow(r rowScanner) (domain.LedgerRow, error) {
	var row domain.LedgerRow
	if err := r.Scan(&row.ID, &row.TriggerID, &row.ExecutionTime); err != nil {
		return domain.LedgerRow{}, err
	}
	row.ExecutionTime = row.ExecutionTime.UTC()
	return row, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
