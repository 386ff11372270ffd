// Package ledger persists the processed/unprocessed marker for every commit the
// monitor has seen. It is the only durable state in the system and the sole
// guard against duplicate notification when the same polling window is scanned
// more than once.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	project    TEXT NOT NULL,
	commit_id  TEXT NOT NULL,
	processed  INTEGER NOT NULL DEFAULT 0,
	timestamp  TIMESTAMP,
	PRIMARY KEY (project, commit_id)
);
`

// Ledger records which commits have been processed, keyed by
// (project, commit id). Rows are never deleted.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent readers while a repository task writes.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Seen reports whether any marker exists for the commit, processed or not.
// A claimed-but-unprocessed row still counts: the commit is in flight or was
// force-marked after a failure, and must not be picked up again.
func (l *Ledger) Seen(ctx context.Context, project, commitID string) (bool, error) {
	var processed int
	err := l.db.QueryRowContext(ctx,
		"SELECT processed FROM commits WHERE project = ? AND commit_id = ?",
		project, commitID).Scan(&processed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query commit marker: %w", err)
	}
	return true, nil
}

// IsProcessed reports whether the commit has been fully processed.
func (l *Ledger) IsProcessed(ctx context.Context, project, commitID string) (bool, error) {
	var processed int
	err := l.db.QueryRowContext(ctx,
		"SELECT processed FROM commits WHERE project = ? AND commit_id = ?",
		project, commitID).Scan(&processed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query commit marker: %w", err)
	}
	return processed != 0, nil
}

// Claim atomically inserts an unprocessed marker for the commit if none
// exists. It returns true when this caller won the claim, false when another
// task already holds (or completed) the commit. Repository tasks interleave at
// suspension points, so the check and the insert must be one serialized store
// operation; a BEGIN IMMEDIATE transaction acquires the write lock up front.
func (l *Ledger) Claim(ctx context.Context, project, commitID string, ts time.Time) (bool, error) {
	// A dedicated connection is required because BEGIN IMMEDIATE is raw SQL
	// and database/sql would otherwise route statements to different
	// pooled connections.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return false, fmt.Errorf("failed to begin immediate transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			// Rollback must run even when ctx is canceled.
			conn.ExecContext(context.Background(), "ROLLBACK") //nolint:errcheck
		}
	}()

	var processed int
	err = conn.QueryRowContext(ctx,
		"SELECT processed FROM commits WHERE project = ? AND commit_id = ?",
		project, commitID).Scan(&processed)
	switch {
	case err == nil:
		// Row exists: someone else claimed it first.
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			return false, fmt.Errorf("failed to commit: %w", err)
		}
		committed = true
		return false, nil
	case err != sql.ErrNoRows:
		return false, fmt.Errorf("failed to query commit marker: %w", err)
	}

	if _, err := conn.ExecContext(ctx,
		"INSERT INTO commits (project, commit_id, processed, timestamp) VALUES (?, ?, 0, ?)",
		project, commitID, ts.UTC()); err != nil {
		return false, fmt.Errorf("failed to insert claim: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return false, fmt.Errorf("failed to commit claim: %w", err)
	}
	committed = true
	return true, nil
}

// MarkProcessed upserts the processed flag for the commit. It is safe to call
// any number of times for the same key; the latest timestamp always wins.
func (l *Ledger) MarkProcessed(ctx context.Context, project, commitID string, ts time.Time) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO commits (project, commit_id, processed, timestamp) VALUES (?, ?, 1, ?)",
		project, commitID, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark commit processed: %w", err)
	}
	return nil
}
