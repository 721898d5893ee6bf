// Package postgres implements every persistence contract on PostgreSQL
// through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-protect/internal/domain"
)

//go:embed schema.sql
var schema string

// Store implements the engine, executor, operation log and reconciler stores.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Triggers

func (s *Store) CreateTrigger(ctx context.Context, t domain.Trigger) error {
	_, err := s.db.ExecContext(ctx, queryInsertTrigger,
		t.ID,
		t.Name,
		t.ProjectID,
		string(t.Type),
		t.Definition.Format,
		t.Definition.Pattern,
		t.Definition.StartTime,
		t.Definition.EndTime,
		t.Definition.Window,
		t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("trigger %s: %w", t.ID, domain.ErrAlreadyExists)
	}
	return err
}

func (s *Store) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	res, err := s.db.ExecContext(ctx, queryUpdateTrigger,
		t.ID,
		t.Name,
		t.Definition.Format,
		t.Definition.Pattern,
		t.Definition.StartTime,
		t.Definition.EndTime,
		t.Definition.Window,
	)
	if err != nil {
		return err
	}
	return expectAffected(res, "trigger", t.ID)
}

func (s *Store) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx, queryGetTrigger, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, fmt.Errorf("trigger %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

// ListTriggers pages through triggers ordered by creation time.
func (s *Store) ListTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, queryListTriggers, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, queryDeleteTrigger, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "trigger", id)
}

// Scheduled operations

func (s *Store) CreateOperation(ctx context.Context, op domain.ScheduledOperation) error {
	def, err := marshalMap(op.Definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryInsertOperation,
		op.ID,
		op.Name,
		string(op.OperationType),
		def,
		op.TriggerID,
		op.UserID,
		op.ProjectID,
		op.Enabled,
		op.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("operation %s: %w", op.ID, domain.ErrAlreadyExists)
	}
	return err
}

func (s *Store) GetOperation(ctx context.Context, id string) (domain.ScheduledOperation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, queryGetOperation, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledOperation{}, fmt.Errorf("operation %s: %w", id, domain.ErrNotFound)
	}
	return op, err
}

func (s *Store) SetOperationEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, querySetOperationEnabled, id, enabled)
	if err != nil {
		return err
	}
	return expectAffected(res, "operation", id)
}

func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, queryDeleteOperation, id)
	if err != nil {
		return err
	}
	return expectAffected(res, "operation", id)
}

// Operation states

func (s *Store) CreateOperationState(ctx context.Context, st domain.OperationState) error {
	_, err := s.db.ExecContext(ctx, queryInsertState,
		st.OperationID,
		st.ServiceID,
		st.TrustID,
		string(st.State),
		nullTime(st.EndTimeForRun),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("state of operation %s: %w", st.OperationID, domain.ErrAlreadyExists)
	}
	return err
}

func (s *Store) GetOperationState(ctx context.Context, operationID string) (domain.OperationState, error) {
	st, err := scanState(s.db.QueryRowContext(ctx, queryGetState, operationID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OperationState{}, fmt.Errorf("state of operation %s: %w", operationID, domain.ErrNotFound)
	}
	return st, err
}

// UpdateOperationState applies update in a single guarded UPDATE. Returns
// domain.ErrStateTransitionDenied if the state is already deleted.
func (s *Store) UpdateOperationState(ctx context.Context, operationID string, update domain.StateUpdate) error {
	var state sql.NullString
	if update.State != nil {
		state = sql.NullString{String: string(*update.State), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, queryUpdateState, operationID, state, nullTime(update.EndTimeForRun))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Either the row is missing or it is deleted.
	if _, err := s.GetOperationState(ctx, operationID); err != nil {
		return err
	}
	return fmt.Errorf("operation %s: %w", operationID, domain.ErrStateTransitionDenied)
}

func (s *Store) DeleteOperationState(ctx context.Context, operationID string) error {
	_, err := s.db.ExecContext(ctx, queryDeleteState, operationID)
	return err
}

// ListOperationStates pages through states matching filter joined with their
// operations, ordered by operation id.
func (s *Store) ListOperationStates(ctx context.Context, filter domain.StateFilter, limit, offset int) ([]domain.StateWithOperation, error) {
	states := make([]string, len(filter.States))
	for i, v := range filter.States {
		states[i] = string(v)
	}

	rows, err := s.db.QueryContext(ctx, queryListStates, filter.ServiceID, pq.Array(states), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.StateWithOperation
	for rows.Next() {
		var (
			sw    domain.StateWithOperation
			state string
			end   sql.NullTime
			typ   string
			def   []byte
		)
		err := rows.Scan(
			&sw.State.OperationID,
			&sw.State.ServiceID,
			&sw.State.TrustID,
			&state,
			&end,
			&sw.Operation.ID,
			&sw.Operation.Name,
			&typ,
			&def,
			&sw.Operation.TriggerID,
			&sw.Operation.UserID,
			&sw.Operation.ProjectID,
			&sw.Operation.Enabled,
			&sw.Operation.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		sw.State.State = domain.OperationStateValue(state)
		sw.State.EndTimeForRun = timePtr(end)
		sw.Operation.OperationType = domain.OperationType(typ)
		if sw.Operation.Definition, err = unmarshalMap(def); err != nil {
			return nil, err
		}
		result = append(result, sw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Operation logs

func (s *Store) CreateLog(ctx context.Context, log domain.OperationLog) error {
	extra, err := marshalMap(log.ExtraInfo)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryInsertLog,
		log.ID,
		log.OperationID,
		log.ExpectStartTime,
		log.TriggeredTime,
		nullTime(log.ActualStartTime),
		nullTime(log.EndTime),
		string(log.State),
		log.Error,
		extra,
		log.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("log %s: %w", log.ID, domain.ErrAlreadyExists)
	}
	return err
}

func (s *Store) UpdateLog(ctx context.Context, logID string, update domain.LogUpdate) error {
	var state, msg sql.NullString
	if update.State != nil {
		state = sql.NullString{String: string(*update.State), Valid: true}
	}
	if update.Error != nil {
		msg = sql.NullString{String: *update.Error, Valid: true}
	}
	var extra sql.NullString
	if update.ExtraInfo != nil {
		b, err := marshalMap(update.ExtraInfo)
		if err != nil {
			return err
		}
		extra = sql.NullString{String: b, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, queryUpdateLog, logID, state, nullTime(update.EndTime), msg, extra)
	if err != nil {
		return err
	}
	return expectAffected(res, "log", logID)
}

// ListLogs returns the logs of an operation newest first.
func (s *Store) ListLogs(ctx context.Context, operationID string, states ...domain.LogState) ([]domain.OperationLog, error) {
	filter := make([]string, len(states))
	for i, v := range states {
		filter[i] = string(v)
	}

	rows, err := s.db.QueryContext(ctx, queryListLogs, operationID, pq.Array(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.OperationLog
	for rows.Next() {
		var (
			l          domain.OperationLog
			start, end sql.NullTime
			state      string
			extra      []byte
		)
		err := rows.Scan(
			&l.ID,
			&l.OperationID,
			&l.ExpectStartTime,
			&l.TriggeredTime,
			&start,
			&end,
			&state,
			&l.Error,
			&extra,
			&l.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		l.ActualStartTime = timePtr(start)
		l.EndTime = timePtr(end)
		l.State = domain.LogState(state)
		if l.ExtraInfo, err = unmarshalMap(extra); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteLogs(ctx context.Context, logIDs []string) error {
	if len(logIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, queryDeleteLogs, pq.Array(logIDs))
	return err
}

// scanning

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(r rowScanner) (domain.Trigger, error) {
	var (
		t   domain.Trigger
		typ string
	)
	err := r.Scan(
		&t.ID,
		&t.Name,
		&t.ProjectID,
		&typ,
		&t.Definition.Format,
		&t.Definition.Pattern,
		&t.Definition.StartTime,
		&t.Definition.EndTime,
		&t.Definition.Window,
		&t.CreatedAt,
	)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.Type = domain.TriggerType(typ)
	return t, nil
}

func scanOperation(r rowScanner) (domain.ScheduledOperation, error) {
	var (
		op  domain.ScheduledOperation
		typ string
		def []byte
	)
	err := r.Scan(
		&op.ID,
		&op.Name,
		&typ,
		&def,
		&op.TriggerID,
		&op.UserID,
		&op.ProjectID,
		&op.Enabled,
		&op.CreatedAt,
	)
	if err != nil {
		return domain.ScheduledOperation{}, err
	}
	op.OperationType = domain.OperationType(typ)
	op.Definition, err = unmarshalMap(def)
	return op, err
}

func scanState(r rowScanner) (domain.OperationState, error) {
	var (
		st    domain.OperationState
		state string
		end   sql.NullTime
	)
	if err := r.Scan(&st.OperationID, &st.ServiceID, &st.TrustID, &state, &end); err != nil {
		return domain.OperationState{}, err
	}
	st.State = domain.OperationStateValue(state)
	st.EndTimeForRun = timePtr(end)
	return st, nil
}

// helpers

func expectAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique violation (23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// marshalMap encodes m as JSON text. lib/pq sends []byte as bytea, which
// does not cast to jsonb.
func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return m, nil
}
