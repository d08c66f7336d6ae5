// Package store persists the delivery ledger: one row per observed file,
// in either the succeeded or the failed table, never both. The ledger is
// the daemon's dedup and retry memory — losing it only forces a
// re-sweep, so every operation degrades silently when the backing store
// breaks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// busyTimeoutMillis bounds how long a statement waits on a locked
// database before failing.
const busyTimeoutMillis = 5000

// DefaultFailLimit is the attempts count at which a failed row becomes a
// tombstone: retained, but excluded from PopFailed.
const DefaultFailLimit = 10

// Ledger records per-path delivery state. All operations are serialized
// by one mutex; the backing SQLite store is not assumed to be internally
// concurrent. After an unrecoverable store error the ledger is disposed
// and every call becomes a no-op — Exists returning false and PopFailed
// returning nil are valid answers callers must accept.
type Ledger struct {
	mu        sync.Mutex
	db        *sql.DB
	failLimit int
	disposed  bool
	logger    *slog.Logger
}

// Open opens (or creates) the ledger database at dbPath and applies
// schema migrations. failLimit <= 0 selects
// DefaultFailLimit.
func Open(ctx context.Context, dbPath string, failLimit int, logger *slog.Logger) (*Ledger, error) {
	if failLimit <= 0 {
		failLimit = DefaultFailLimit
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: opening ledger %s: %w", dbPath, err)
	}

	// Sole-writer: one connection avoids SQLITE_BUSY between our own
	// statements.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("ledger ready", slog.String("path", dbPath), slog.Int("fail_limit", failLimit))

	return &Ledger{db: db, failLimit: failLimit, logger: logger}, nil
}

// setPragmas configures SQLite for WAL mode and bounded lock waits.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}

	return nil
}

// MarkFailed records one more failed delivery attempt for path. A new
// path starts at attempts=1; an existing failed row is incremented.
func (l *Ledger) MarkFailed(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO failed (path, attempts) VALUES (?, 1)
		 ON CONFLICT(path) DO UPDATE SET attempts = attempts + 1`, path)
	if err != nil {
		l.dispose("mark failed", err)
	}
}

// MarkSucceeded deletes any failed row for path and upserts a succeeded
// row, in one transaction. A path is never in both tables.
func (l *Ledger) MarkSucceeded(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.dispose("mark succeeded begin", err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM failed WHERE path = ?`, path); err != nil {
		l.dispose("mark succeeded delete", err)
		return
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO succeeded (path) VALUES (?) ON CONFLICT(path) DO NOTHING`, path); err != nil {
		l.dispose("mark succeeded insert", err)
		return
	}

	if err := tx.Commit(); err != nil {
		l.dispose("mark succeeded commit", err)
	}
}

// Exists reports whether any row (either state) exists for path.
func (l *Ledger) Exists(ctx context.Context, path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return false
	}

	var n int

	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT path FROM succeeded WHERE path = ?
			UNION ALL
			SELECT path FROM failed WHERE path = ?
		 )`, path, path).Scan(&n)
	if err != nil {
		l.dispose("exists", err)
		return false
	}

	return n > 0
}

// PopFailed returns up to limit failed paths whose attempts are still
// below the fail limit. Despite the name, rows are not removed — a row
// leaves the failed table only via MarkSucceeded, Remove, or maintenance.
func (l *Ledger) PopFailed(ctx context.Context, limit int) []string {
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT path FROM failed WHERE attempts < ? ORDER BY path LIMIT ?`,
		l.failLimit, limit)
	if err != nil {
		l.dispose("pop failed", err)
		return nil
	}

	return l.scanPaths(rows, "pop failed")
}

// PopAll returns every ledger path regardless of state, tombstones
// included. Used by maintenance.
func (l *Ledger) PopAll(ctx context.Context) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT path FROM succeeded UNION SELECT path FROM failed ORDER BY path`)
	if err != nil {
		l.dispose("pop all", err)
		return nil
	}

	return l.scanPaths(rows, "pop all")
}

// Remove deletes the row for path from whichever table holds it.
func (l *Ledger) Remove(ctx context.Context, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		l.dispose("remove begin", err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM succeeded WHERE path = ?`, path); err != nil {
		l.dispose("remove succeeded", err)
		return
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM failed WHERE path = ?`, path); err != nil {
		l.dispose("remove failed", err)
		return
	}

	if err := tx.Commit(); err != nil {
		l.dispose("remove commit", err)
	}
}

// Attempts returns the failed attempt counter for path, or 0 when no
// failed row exists.
func (l *Ledger) Attempts(ctx context.Context, path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return 0
	}

	var n int

	err := l.db.QueryRowContext(ctx,
		`SELECT attempts FROM failed WHERE path = ?`, path).Scan(&n)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			l.dispose("attempts", err)
		}

		return 0
	}

	return n
}

// Close releases the backing database. Subsequent calls no-op.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return nil
	}

	l.disposed = true

	if err := l.db.Close(); err != nil {
		return fmt.Errorf("store: closing ledger: %w", err)
	}

	return nil
}

// scanPaths drains a path-column result set. Caller holds the mutex.
func (l *Ledger) scanPaths(rows *sql.Rows, desc string) []string {
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string

		if err := rows.Scan(&p); err != nil {
			l.dispose(desc+" scan", err)
			return nil
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		l.dispose(desc+" rows", err)
		return nil
	}

	return paths
}

// dispose flips the ledger into the silent no-op state after an
// unrecoverable store error. The uploader keeps working; dedup weakens
// to "not within this process run". Caller holds the mutex.
func (l *Ledger) dispose(op string, err error) {
	l.disposed = true
	l.logger.Error("ledger unavailable, degrading to no-op",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	l.db.Close()
}
