// Package dbx provides tiny DB abstractions shared by repositories:
// a minimal interface (DBTX) implemented by *sql.DB, *sql.Conn and *sql.Tx,
// and helpers that pin a connection for a sequence of statements.
package dbx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// DBTX is the subset of database/sql used by our repos.
// *sql.DB, *sql.Conn and *sql.Tx all satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	advisoryLockQuery   = `SELECT pg_advisory_lock(hashtextextended($1, 0))`
	advisoryUnlockQuery = `SELECT pg_advisory_unlock(hashtextextended($1, 0))`
)

// WithConn checks a single connection out of the pool, runs fn with it and
// returns it to the pool afterwards. Every statement fn issues auto-commits,
// so work done before a failure stays applied. Panics are rethrown.
func WithConn(ctx context.Context, db *sql.DB, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	return fn(ctx, conn)
}

// WithAdvisoryLock runs fn on a pinned connection that holds the PostgreSQL
// session-level advisory lock derived from key. Concurrent callers using the
// same key are serialized; different keys do not block each other.
//
// Typical use:
//
//	err := dbx.WithAdvisoryLock(ctx, db, "user:"+userID, func(ctx context.Context, conn dbx.DBTX) error {
//	    // every statement here runs while the lock is held
//	    _, err := conn.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
//
// The lock is released even when fn fails or panics. If the release itself
// fails the connection is discarded, because PostgreSQL drops session locks
// together with the session.
func WithAdvisoryLock(ctx context.Context, db *sql.DB, key string, fn func(ctx context.Context, conn DBTX) error) error {
	return WithConn(ctx, db, func(ctx context.Context, conn *sql.Conn) (err error) {
		if _, err := conn.ExecContext(ctx, advisoryLockQuery, key); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		defer func() {
			// the request context may be cancelled by now; the lock must go anyway
			_, uerr := conn.ExecContext(context.WithoutCancel(ctx), advisoryUnlockQuery, key)
			if uerr != nil {
				_ = conn.Raw(func(any) error { return driver.ErrBadConn })
				if err == nil {
					err = fmt.Errorf("release advisory lock: %w", uerr)
				}
			}
		}()

		return fn(ctx, conn)
	})
}
