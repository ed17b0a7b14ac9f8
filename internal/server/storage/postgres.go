package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of snapshot rows held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending snapshots even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the dyntrace collector.
//
// Snapshot ingestion is batched: callers enqueue individual Snapshot values
// via BatchInsertSnapshots, which accumulates them in memory and flushes to
// the database either when the buffer reaches batchSize or when the
// background ticker fires, whichever comes first. All other operations
// (runs, audit entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Snapshot
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Snapshot, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// snapshots, and closes the connection pool. It is safe to call Close more
// than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertSnapshots enqueues snap for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertSnapshots(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	s.batch = append(s.batch, snap)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current snapshot buffer and sends all rows to
// PostgreSQL in a single pgx.Batch round-trip. Rows that conflict on the
// primary key are silently ignored (idempotent replay support, matching
// the export client's at-least-once delivery).
//
// Flush is safe to call concurrently: a mutex swap ensures each call
// drains a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Snapshot, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO snapshots
			(run_id, sequence, reason, target_pid, target_name, taken_at, report_xml, sha256, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		s := &toInsert[i]
		b.Queue(query,
			s.RunID, s.Sequence, string(s.Reason),
			s.TargetPID, s.TargetName, s.TakenAt,
			s.ReportXML, s.SHA256, s.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec snapshot: %w", err)
		}
	}
	return nil
}

// QuerySnapshots returns paginated snapshots that fall within
// [q.From, q.To) on the received_at column. The time-range constraint
// enables PostgreSQL partition pruning so only the relevant monthly
// partitions are scanned.
//
// Optional filters: q.RunID (exact match), q.Reason (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, sequence ASC.
func (s *Store) QuerySnapshots(ctx context.Context, q SnapshotQuery) ([]Snapshot, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.RunID != "" {
		where += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, q.RunID)
		argIdx++
	}
	if q.Reason != nil {
		where += fmt.Sprintf(" AND reason = $%d", argIdx)
		args = append(args, string(*q.Reason))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT run_id, sequence, reason, target_pid, target_name,
		       taken_at, report_xml, sha256, received_at
		FROM   snapshots
		%s
		ORDER  BY received_at DESC, sequence
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var sn Snapshot
		var reason string
		err := rows.Scan(
			&sn.RunID, &sn.Sequence, &reason,
			&sn.TargetPID, &sn.TargetName,
			&sn.TakenAt, &sn.ReportXML, &sn.SHA256, &sn.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		sn.Reason = Reason(reason)
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// GetReport returns the report_xml for one specific (runID, sequence)
// snapshot, or nil and no error when no such snapshot exists.
func (s *Store) GetReport(ctx context.Context, runID string, sequence int64) ([]byte, error) {
	var report []byte
	err := s.pool.QueryRow(ctx, `
		SELECT report_xml
		FROM   snapshots
		WHERE  run_id = $1 AND sequence = $2`,
		runID, sequence,
	).Scan(&report)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s/%d: %w", runID, sequence, err)
	}
	return report, nil
}

// --- Run CRUD ---

// InsertRun inserts a new run row at trace start.
func (s *Store) InsertRun(ctx context.Context, r Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, command, args, hostname, started_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.RunID, r.Command, r.Args, r.Hostname, r.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// EndRun stamps the run's ended_at timestamp at trace termination.
func (s *Store) EndRun(ctx context.Context, runID string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET ended_at = $2 WHERE run_id = $1`,
		runID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	return nil
}

// GetRun fetches a single run by its UUID.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, command, args, hostname, started_at, ended_at
		FROM   runs
		WHERE  run_id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns all runs ordered most-recent-first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, command, args, hostname, started_at, ended_at
		FROM   runs
		ORDER  BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry.
// The caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, run_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.RunID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for runID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, runID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, run_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  run_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		runID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.RunID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun reads one run row from s.
func scanRun(s scanner) (*Run, error) {
	var r Run
	err := s.Scan(&r.RunID, &r.Command, &r.Args, &r.Hostname, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
