package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dyntrace/dyntrace/internal/server/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided storage layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListRuns responds to GET /api/v1/runs.
//
// Returns HTTP 200 with a JSON array of all recorded Run objects,
// most-recent-first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []storage.Run{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(runs)
}

// handleGetSnapshots responds to GET /api/v1/runs/{run_id}/snapshots.
//
// Supported query parameters:
//
//	reason  – one of checkpoint, terminate (optional)
//	from    – RFC3339 start of the received_at window (required)
//	to      – RFC3339 end of the received_at window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Snapshot objects on success. The
// report_xml field is included so callers that need the full report need not
// make a second request; callers that only need the hash can discard it.
func (s *Server) handleGetSnapshots(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	sq := storage.SnapshotQuery{
		RunID: runID,
		From:  from,
		To:    to,
	}

	if reason := q.Get("reason"); reason != "" {
		switch storage.Reason(reason) {
		case storage.ReasonCheckpoint, storage.ReasonTerminate:
			r := storage.Reason(reason)
			sq.Reason = &r
		default:
			writeError(w, http.StatusBadRequest, "'reason' must be one of checkpoint, terminate")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		sq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		sq.Offset = offset
	}

	snaps, err := s.store.QuerySnapshots(r.Context(), sq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query snapshots")
		return
	}

	if snaps == nil {
		snaps = []storage.Snapshot{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snaps)
}

// handleGetReport responds to GET /api/v1/runs/{run_id}/snapshots/{sequence}/report.xml.
//
// Returns HTTP 400 when sequence is not a valid integer, HTTP 404 when no
// matching report exists, and HTTP 200 with the raw report_xml body
// (Content-Type: application/xml) on success.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	seqStr := chi.URLParam(r, "sequence")

	sequence, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'sequence' must be an integer")
		return
	}

	xml, err := s.store.GetReport(r.Context(), runID, sequence)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch report")
		return
	}
	if xml == nil {
		writeError(w, http.StatusNotFound, "no report found for that run_id/sequence")
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(xml)
}

// handleGetAuditEntries responds to GET /api/v1/runs/{run_id}/audit.
//
// Requires the "audit" scope (see RequireScope); it is the only route that
// checks a scope, since the audit trail can surface more operationally
// sensitive detail than the reports themselves.
//
// Supported query parameters:
//
//	from  – RFC3339 start of the created_at window (required)
//	to    – RFC3339 end of the created_at window (required)
//
// Returns HTTP 400 when required parameters are missing or malformed, and
// HTTP 200 with a JSON array of AuditEntry objects on success.
func (s *Server) handleGetAuditEntries(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}

	q := r.URL.Query()
	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	entries, err := s.store.QueryAuditEntries(r.Context(), runID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit entries")
		return
	}

	if entries == nil {
		entries = []storage.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}
