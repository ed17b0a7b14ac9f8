// Package grpc implements the dyntrace collector's gRPC ingestion service.
//
// The Server type satisfies the SnapshotServiceServer interface generated
// from proto/dyntrace.proto and wires together the storage layer
// (PostgreSQL) and the WebSocket broadcaster for real-time snapshot fan-out
// to browser clients.
//
// Lifecycle
//
//	srv := grpc.NewServer(store, broadcaster, logger)
//	g, err := grpc.New(cfg, srv) // listens on cfg.Addr and registers srv
//	g.Serve(ctx)
package grpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dyntrace/dyntrace/internal/server/storage"
	ws "github.com/dyntrace/dyntrace/internal/server/websocket"
	dyntracepb "github.com/dyntrace/dyntrace/proto/dyntracepb"
)

// Store is the subset of storage.Store methods used by the gRPC server.
// Defined as an interface so tests can substitute a fake.
type Store interface {
	BatchInsertSnapshots(ctx context.Context, snap storage.Snapshot) error
	GetRun(ctx context.Context, runID string) (*storage.Run, error)
	InsertRun(ctx context.Context, r storage.Run) error
}

// Server implements dyntracepb.SnapshotServiceServer.
type Server struct {
	dyntracepb.UnimplementedSnapshotServiceServer

	store       Store
	broadcaster *ws.Broadcaster
	logger      *slog.Logger
}

// NewServer creates a Server wired to store and broadcaster.
func NewServer(store Store, broadcaster *ws.Broadcaster, logger *slog.Logger) *Server {
	return &Server{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// StreamSnapshots handles the bidirectional StreamSnapshots RPC.
//
// For each incoming Snapshot the handler:
//  1. Validates the required fields.
//  2. Recomputes sha256(report_xml) and rejects the snapshot if it does not
//     match the sha256 field carried on the wire — this is the ingest-side
//     half of the end-to-end integrity check; the other half runs where the
//     snapshot is produced, in internal/tracer.
//  3. Persists the snapshot to PostgreSQL via BatchInsertSnapshots.
//  4. Publishes a snapshot notification to the WebSocket Broadcaster for
//     real-time fan-out to connected browser clients.
//  5. Acks the sequence number back on the response stream.
func (s *Server) StreamSnapshots(stream dyntracepb.SnapshotService_StreamSnapshotsServer) error {
	ctx := stream.Context()

	for {
		msg, err := stream.Recv()
		if err != nil {
			// io.EOF is the canonical end-of-stream signal from the gRPC
			// runtime. Context cancellation and deadline exceeded are also
			// considered normal closure (e.g. tracee exit, client timeout).
			// All other errors are genuine transport failures and are
			// returned so that the caller can observe and log them.
			if err == io.EOF ||
				err == context.Canceled ||
				err == context.DeadlineExceeded ||
				status.Code(err) == codes.Canceled ||
				status.Code(err) == codes.DeadlineExceeded {
				s.logger.Debug("grpc: StreamSnapshots stream closed", slog.Any("reason", err))
				return nil
			}
			s.logger.Error("grpc: StreamSnapshots transport error", slog.Any("error", err))
			return err
		}

		ack, err := s.handleSnapshot(ctx, msg)
		if err != nil {
			return err
		}
		if sendErr := stream.Send(ack); sendErr != nil {
			return sendErr
		}
	}
}

// handleSnapshot processes a single Snapshot message received from the
// stream and returns the Ack to send back, or a transport-level error when
// the stream itself should be torn down.
func (s *Server) handleSnapshot(ctx context.Context, msg *dyntracepb.Snapshot) (*dyntracepb.Ack, error) {
	if msg.RunId == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	if msg.TargetPid <= 0 {
		return nil, status.Error(codes.InvalidArgument, "target_pid must be positive")
	}

	if verr := verifyChecksum(msg); verr != "" {
		s.logger.Warn("grpc: snapshot checksum mismatch, rejecting",
			slog.String("run_id", msg.RunId),
			slog.Uint64("sequence", msg.Sequence),
		)
		return &dyntracepb.Ack{RunId: msg.RunId, Sequence: msg.Sequence, Ok: false, Error: verr}, nil
	}

	if _, err := s.store.GetRun(ctx, msg.RunId); err != nil {
		// First snapshot observed for this run_id — register it so that
		// ListRuns/GetRun have a row to report against even if the run
		// lifecycle event from internal/audit was lost.
		now := time.Now().UTC()
		if insErr := s.store.InsertRun(ctx, storage.Run{
			RunID:     msg.RunId,
			Command:   msg.TargetName,
			Hostname:  msg.TargetName,
			StartedAt: now,
		}); insErr != nil {
			s.logger.Warn("grpc: InsertRun (implicit) failed",
				slog.String("run_id", msg.RunId),
				slog.Any("error", insErr),
			)
		}
	}

	takenAt := time.Now().UTC()
	if msg.TakenAtUnix > 0 {
		takenAt = time.Unix(msg.TakenAtUnix, 0).UTC()
	}

	snap := storage.Snapshot{
		RunID:      msg.RunId,
		Sequence:   int64(msg.Sequence),
		Reason:     storage.Reason(msg.Reason),
		TargetPID:  int(msg.TargetPid),
		TargetName: msg.TargetName,
		TakenAt:    takenAt,
		ReportXML:  msg.ReportXml,
		SHA256:     msg.Sha256,
		ReceivedAt: time.Now().UTC(),
	}

	if err := s.store.BatchInsertSnapshots(ctx, snap); err != nil {
		s.logger.Error("grpc: BatchInsertSnapshots failed",
			slog.String("run_id", msg.RunId),
			slog.Uint64("sequence", msg.Sequence),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "persist snapshot %s/%d: %v", msg.RunId, msg.Sequence, err)
	}

	s.logger.Info("snapshot ingested",
		slog.String("run_id", msg.RunId),
		slog.Uint64("sequence", msg.Sequence),
		slog.String("reason", msg.Reason),
		slog.Int64("target_pid", msg.TargetPid),
	)

	s.broadcaster.Publish(snap)

	return &dyntracepb.Ack{RunId: msg.RunId, Sequence: msg.Sequence, Ok: true}, nil
}

// verifyChecksum recomputes sha256(report_xml) and compares it against the
// sha256 field carried on the wire. It returns an empty string when they
// match, or a human-readable mismatch description otherwise.
func verifyChecksum(msg *dyntracepb.Snapshot) string {
	sum := sha256.Sum256(msg.ReportXml)
	got := hex.EncodeToString(sum[:])
	if got != msg.Sha256 {
		return "sha256 mismatch: report_xml does not match the declared checksum"
	}
	return ""
}
