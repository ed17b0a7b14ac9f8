package export_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/dyntrace/dyntrace/internal/export"
	"github.com/dyntrace/dyntrace/internal/queue"
	"github.com/dyntrace/dyntrace/internal/tracer"
	dyntracepb "github.com/dyntrace/dyntrace/proto/dyntracepb"
)

// mockSnapshotServer is a minimal SnapshotServiceServer for tests. It
// records every received Snapshot and Acks each one, unless configured
// to force-close the first stream early to exercise reconnect.
type mockSnapshotServer struct {
	dyntracepb.UnimplementedSnapshotServiceServer

	mu   sync.Mutex
	seen []*dyntracepb.Snapshot

	closeFirstStreamAfterN int
	firstStreamClosed      atomic.Bool
}

func (s *mockSnapshotServer) StreamSnapshots(stream dyntracepb.SnapshotService_StreamSnapshotsServer) error {
	perStreamCount := 0
	for {
		snap, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.seen = append(s.seen, snap)
		s.mu.Unlock()
		perStreamCount++

		if s.closeFirstStreamAfterN > 0 &&
			perStreamCount >= s.closeFirstStreamAfterN &&
			s.firstStreamClosed.CompareAndSwap(false, true) {
			return io.EOF
		}

		if err := stream.Send(&dyntracepb.Ack{RunId: snap.RunId, Sequence: snap.Sequence, Ok: true}); err != nil {
			return err
		}
	}
}

func (s *mockSnapshotServer) recordedSeqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := make([]int64, len(s.seen))
	for i, snap := range s.seen {
		seqs[i] = int64(snap.Sequence)
	}
	return seqs
}

func (s *mockSnapshotServer) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func startInsecureServer(t *testing.T, svc dyntracepb.SnapshotServiceServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gs := grpc.NewServer()
	dyntracepb.RegisterSnapshotServiceServer(gs, svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gs.Serve(lis)
	}()
	t.Cleanup(func() {
		gs.GracefulStop()
		<-done
	})
	return lis.Addr().String()
}

func newInsecureClient(addr string, q export.DrainQueue, logger *slog.Logger) *export.Client {
	return export.New(export.ClientConfig{
		Addr:       addr,
		MaxBackoff: 200 * time.Millisecond,
		Insecure:   true,
	}, q, logger)
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMemQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func enqueueN(t *testing.T, q *queue.SQLiteQueue, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		snap := tracer.Snapshot{
			RunID:      "run-test",
			TargetPID:  100,
			Sequence:   int64(i),
			Reason:     tracer.ReasonCheckpoint,
			Taken:      time.Now().UTC(),
			ReportXML:  []byte("<report/>"),
		}
		if err := q.Enqueue(ctx, snap); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestClient_QueueDrainOnConnect(t *testing.T) {
	const n = 5
	svc := &mockSnapshotServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, n)

	client := newInsecureClient(addr, q, noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		return svc.recordedCount() == n && q.Depth() == 0
	}) {
		t.Fatalf("timed out: server received %d (want %d), queue depth=%d", svc.recordedCount(), n, q.Depth())
	}

	cancel()
	client.Stop()

	got := svc.recordedSeqs()
	for i, seq := range got {
		if seq != int64(i) {
			t.Errorf("snapshot[%d].Seq = %d, want %d", i, seq, i)
		}
	}
}

func TestClient_SnapshotsSentTotalCountsAcked(t *testing.T) {
	svc := &mockSnapshotServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 2)

	client := newInsecureClient(addr, q, noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool { return client.SnapshotsSentTotal() >= 2 }) {
		t.Fatalf("SnapshotsSentTotal=%d, want >=2", client.SnapshotsSentTotal())
	}

	liveSnap := tracer.Snapshot{RunID: "run-test", TargetPID: 100, Sequence: 100, Reason: tracer.ReasonCheckpoint, Taken: time.Now().UTC(), ReportXML: []byte("<r/>")}
	for i := 0; i < 2; i++ {
		ok := waitFor(t, 2*time.Second, func() bool { return client.Report(ctx, liveSnap) == nil })
		if !ok {
			t.Fatalf("Report(%d): channel never ready", i)
		}
	}

	if !waitFor(t, 5*time.Second, func() bool { return client.SnapshotsSentTotal() >= 4 }) {
		t.Fatalf("SnapshotsSentTotal=%d, want >=4", client.SnapshotsSentTotal())
	}

	cancel()
	client.Stop()
}

func TestClient_QueueDepthReflectsUndeliveredRows(t *testing.T) {
	q := openMemQueue(t)
	enqueueN(t, q, 3)

	client := export.New(export.ClientConfig{Addr: "127.0.0.1:1", Insecure: true}, q, noopLogger())
	if d := client.QueueDepth(); d != 3 {
		t.Errorf("QueueDepth=%d before delivery, want 3", d)
	}

	svc := &mockSnapshotServer{}
	addr := startInsecureServer(t, svc)
	client2 := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client2.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool { return client2.QueueDepth() == 0 }) {
		t.Errorf("QueueDepth=%d after drain, want 0", client2.QueueDepth())
	}
	cancel()
	client2.Stop()
}

func TestClient_StreamErrorTriggersReconnect(t *testing.T) {
	svc := &mockSnapshotServer{closeFirstStreamAfterN: 1}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 3)

	client := newInsecureClient(addr, q, noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	if !waitFor(t, 10*time.Second, func() bool { return q.Depth() == 0 }) {
		t.Fatalf("queue not drained: depth=%d", q.Depth())
	}
	if client.ReconnectTotal() < 1 {
		t.Errorf("ReconnectTotal=%d, want >=1", client.ReconnectTotal())
	}
	if svc.recordedCount() < 3 {
		t.Errorf("server received %d snapshots, want >=3", svc.recordedCount())
	}

	cancel()
	client.Stop()
}

func TestClient_NoQueue_LiveSnapshotsDelivered(t *testing.T) {
	svc := &mockSnapshotServer{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	snap := tracer.Snapshot{RunID: "run-test", TargetPID: 1, Sequence: 1, Reason: tracer.ReasonCheckpoint, Taken: time.Now().UTC(), ReportXML: []byte("<r/>")}
	if !waitFor(t, 3*time.Second, func() bool { return client.Report(ctx, snap) == nil }) {
		t.Fatal("Report: channel never ready")
	}
	if !waitFor(t, 5*time.Second, func() bool { return svc.recordedCount() >= 1 }) {
		t.Fatalf("server received %d snapshots, want >=1", svc.recordedCount())
	}

	cancel()
	client.Stop()
}

func TestClient_StopIsIdempotent(t *testing.T) {
	svc := &mockSnapshotServer{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	client.Stop()
	client.Stop() // must not panic
}

func TestClient_ReportReturnsErrorAfterStop(t *testing.T) {
	svc := &mockSnapshotServer{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	client.Stop()

	err := client.Report(ctx, tracer.Snapshot{RunID: "r", Sequence: 1, Reason: tracer.ReasonCheckpoint})
	if err == nil {
		t.Error("Report after Stop returned nil, want error")
	}
}

func TestClient_QueueDrainOrdering_MultiBatch(t *testing.T) {
	const n = 75
	svc := &mockSnapshotServer{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, n)

	client := newInsecureClient(addr, q, noopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	if !waitFor(t, 10*time.Second, func() bool {
		return svc.recordedCount() == n && q.Depth() == 0
	}) {
		t.Fatalf("timed out: server received %d/%d, depth=%d", svc.recordedCount(), n, q.Depth())
	}

	cancel()
	client.Stop()

	got := svc.recordedSeqs()
	if len(got) != n {
		t.Fatalf("recorded %d snapshots, want %d", len(got), n)
	}
	for i, seq := range got {
		if seq != int64(i) {
			t.Errorf("snapshot[%d].Seq = %d, want %d (%s)", i, seq, i, strconv.Itoa(i))
		}
	}
}

func TestClient_InterfaceCompliance(t *testing.T) {
	var _ tracer.Reporter = (*export.Client)(nil)
}
