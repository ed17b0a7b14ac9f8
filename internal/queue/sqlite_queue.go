// Package queue provides a WAL-mode SQLite-backed snapshot queue for
// cmd/dyntrace. It implements at-least-once delivery semantics: a
// snapshot is persisted on Enqueue and is not removed until the caller
// calls Ack, so a checkpoint survives a crash or a collector outage
// between the step that produced it and its eventual export.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the
// trace loop's own Enqueue calls never contend with the export client's
// Dequeue/Ack calls running on a separate goroutine.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the
// process crashes between Enqueue and Ack, the snapshot is returned
// again by the next Dequeue call after restart.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dyntrace/dyntrace/internal/tracer"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteQueue is a WAL-mode SQLite-backed snapshot queue. Safe for
// concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. path may be ":memory:" for
// tests, which loses all data when closed.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM snapshot_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS snapshot_queue (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT    NOT NULL,
    target_pid  INTEGER NOT NULL,
    target_name TEXT    NOT NULL DEFAULT '',
    sequence    INTEGER NOT NULL,
    reason      TEXT    NOT NULL,
    taken_at    TEXT    NOT NULL,
    report_xml  BLOB    NOT NULL,
    sha256      TEXT    NOT NULL DEFAULT '',
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_snapshot_queue_pending
    ON snapshot_queue (delivered, id);
`

// Enqueue persists snap to the SQLite database. It is included in
// subsequent Dequeue results until Ack is called for its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, snap tracer.Snapshot) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO snapshot_queue (run_id, target_pid, target_name, sequence, reason, taken_at, report_xml, sha256)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.TargetPID, snap.TargetName, snap.Sequence, string(snap.Reason),
		snap.Taken.UTC().Format(time.RFC3339Nano),
		snap.ReportXML, snap.SHA256,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	q.depth.Add(1)
	return nil
}

// PendingSnapshot is an unacknowledged snapshot returned by Dequeue. ID
// is the database primary key used to acknowledge it via Ack.
type PendingSnapshot struct {
	ID   int64
	Snap tracer.Snapshot
}

// Dequeue returns up to n unacknowledged snapshots in insertion order
// (oldest first). It does not mark them delivered; call Ack with the
// returned IDs to do that.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingSnapshot, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, run_id, target_pid, target_name, sequence, reason, taken_at, report_xml, sha256
		 FROM   snapshot_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingSnapshot
	for rows.Next() {
		var (
			ps       PendingSnapshot
			reason   string
			takenStr string
		)
		if err := rows.Scan(&ps.ID, &ps.Snap.RunID, &ps.Snap.TargetPID, &ps.Snap.TargetName, &ps.Snap.Sequence, &reason, &takenStr, &ps.Snap.ReportXML, &ps.Snap.SHA256); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		ps.Snap.Reason = tracer.Reason(reason)
		ps.Snap.Taken, err = time.Parse(time.RFC3339Nano, takenStr)
		if err != nil {
			ps.Snap.Taken, _ = time.Parse(time.RFC3339, takenStr)
		}
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the snapshots identified by ids as delivered. Idempotent.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE snapshot_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) snapshots.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
