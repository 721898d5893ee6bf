package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const unlockTimeout = 5 * time.Second

// AdvisoryLock is a Postgres session-scoped advisory lock. All instances
// sharing a database must use the same key.
type AdvisoryLock struct {
	db  *sql.DB
	key int64
}

func NewAdvisoryLock(db *sql.DB, key int64) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

// TryAcquire takes a dedicated connection, since the lock belongs to the
// session that took it.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (Session, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %d: %w", l.key, err)
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}
	return &advisorySession{conn: conn, key: l.key}, nil
}

type advisorySession struct {
	conn *sql.Conn
	key  int64
}

func (s *advisorySession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close unlocks before handing the connection back to the pool, where the
// session would otherwise keep the lock alive.
func (s *advisorySession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	_, unlockErr := s.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", s.key)
	if err := s.conn.Close(); err != nil {
		return err
	}
	if unlockErr != nil {
		return fmt.Errorf("advisory unlock %d: %w", s.key, unlockErr)
	}
	return nil
}
