// Package store is the system-of-record layer over SQLite. It owns the
// durable tables (profiles, friendships, friend requests, blocks,
// messages) and the retry policy for reaching them: three attempts with
// a 2s back-off, retrying transport errors only. Query-level errors
// (no rows, constraint violations) surface immediately.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"

	"github.com/tinchat/server/internal/v1/logging"
)

// Sentinel errors mapped from the underlying driver.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

const (
	// attemptTimeout bounds each individual attempt.
	attemptTimeout = 5 * time.Second

	// retryAttempts and retryBackoff define the transport-error retry
	// policy. Query errors are never retried.
	retryAttempts = 3
	retryBackoff  = 2 * time.Second
)

// Store wraps the SQL database. All access from the rest of the server
// goes through its methods.
type Store struct {
	db *sql.DB
}

// New opens the database at dsn. The connection pool is pinned to a
// single connection: SQLite serializes writers anyway, and one shared
// connection keeps in-memory databases coherent across calls.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// withRetry runs fn up to retryAttempts times with retryBackoff between
// attempts, each attempt under its own timeout. Only transport errors
// retry; anything the database itself decided is returned as-is.
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		lastErr = err
		if attempt < retryAttempts {
			logging.Warn(ctx, "Database operation failed, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, retryAttempts, lastErr)
}

// isTransient reports whether err is worth retrying. Rows-not-found,
// constraint violations and caller cancellation are definitive answers.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// The engine evaluated the statement; retrying will not
		// change its mind.
		return false
	}
	return true
}

// isConstraint reports whether err is a uniqueness or check violation.
func isConstraint(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// SQLITE_CONSTRAINT is primary code 19; extended codes encode
		// the specific constraint in the upper bits.
		return serr.Code()&0xff == 19
	}
	return false
}

// placeholders renders "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// toArgs widens a string slice for use as query parameters.
func toArgs(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// nullable maps "" to NULL so optional text columns stay NULL-clean.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// unixOrZero converts a nullable unix-seconds column.
func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}
