// Package distlock provides a distributed lock for operations that must run
// on one process at a time, like delivering a newsletter issue.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
)

// Lock is a cross-process mutex. A single Lock value is meant for one
// goroutine; create separate locks for concurrent callers.
type Lock interface {
	// Acquire tries to take the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if this holder still owns it.
	Release(ctx context.Context) error
}

// PGLock implements Lock with PostgreSQL session advisory locks. The lock
// drops automatically when the session dies, so a crashed holder cannot
// wedge the system.
type PGLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGLock derives a stable advisory lock id from key.
func NewPGLock(db *sql.DB, key string) *PGLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire pins a dedicated connection and takes the advisory lock on it.
// Advisory locks are session-scoped, so the same connection must carry the
// lock until Release.
func (l *PGLock) Acquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		return false, fmt.Errorf("lock already acquired")
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("pin lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	if _, err := l.conn.ExecContext(ctx,
		"SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}
