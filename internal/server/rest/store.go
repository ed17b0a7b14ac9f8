package rest

import (
	"context"
	"time"

	"github.com/dyntrace/dyntrace/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store without
// a live PostgreSQL connection.
type Store interface {
	// ListRuns returns all recorded runs ordered most-recent-first.
	ListRuns(ctx context.Context) ([]storage.Run, error)

	// QuerySnapshots returns snapshot metadata matching q.
	QuerySnapshots(ctx context.Context, q storage.SnapshotQuery) ([]storage.Snapshot, error)

	// GetReport returns the raw report_xml for a single (run_id, sequence) pair.
	GetReport(ctx context.Context, runID string, sequence int64) ([]byte, error)

	// QueryAuditEntries returns the tamper-evident audit trail for runID
	// with created_at in [from, to), ordered by sequence_num.
	QueryAuditEntries(ctx context.Context, runID string, from, to time.Time) ([]storage.AuditEntry, error)
}
