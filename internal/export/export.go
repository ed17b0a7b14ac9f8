// Package export implements the gRPC shipping client for dyntrace
// snapshots. The [Client] streams [tracer.Snapshot] values produced by
// the trace loop to a collector over the SnapshotService RPC, with the
// following properties, carried over from the teacher's alert-shipping
// client:
//
//   - mTLS: the client presents a certificate signed by the shared CA;
//     the collector's certificate is verified against the same CA.
//   - Exponential backoff: on any connection or stream error the client
//     waits an exponentially increasing interval (±25% jitter) before
//     reconnecting, capped at ClientConfig.MaxBackoff.
//   - Queue drain on reconnect: each time the stream is established the
//     client first drains all pending snapshots from the local SQLite
//     queue (oldest first) before forwarding new live snapshots. Each
//     snapshot is acked in the queue only after the collector sends an
//     Ack.
//   - Metrics: [Client.SnapshotsSentTotal] and [Client.ReconnectTotal]
//     are atomic counters; [Client.QueueDepth] reads straight from the
//     underlying queue.
package export

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dyntrace/dyntrace/internal/queue"
	"github.com/dyntrace/dyntrace/internal/tracer"
	dyntracepb "github.com/dyntrace/dyntrace/proto/dyntracepb"
)

const (
	defaultMaxBackoff = 60 * time.Second
	initialBackoff    = time.Second
	drainBatchSize    = 50
	liveChanCap       = 64
)

// DrainQueue is the subset of [queue.SQLiteQueue] a Client needs to
// drain pending snapshots on reconnect. Expressed as an interface so
// tests can stub it.
type DrainQueue interface {
	Dequeue(ctx context.Context, n int) ([]queue.PendingSnapshot, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// ClientConfig holds the parameters for connecting to the collector.
type ClientConfig struct {
	Addr         string // collector gRPC address
	CertPath     string // required unless Insecure
	KeyPath      string
	CAPath       string
	ServerName   string // overrides TLS SNI; defaults to Addr's host
	MaxBackoff   time.Duration
	Insecure     bool // disables TLS entirely; tests only
}

// Client is a bidirectional gRPC snapshot-shipping client implementing
// tracer.Reporter. Safe for concurrent use: Report may be called from
// the trace loop while the internal run loop manages the stream.
type Client struct {
	cfg    ClientConfig
	queue  DrainQueue
	logger *slog.Logger

	liveCh   chan tracer.Snapshot
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	snapshotsSentTotal atomic.Int64
	reconnectTotal     atomic.Int64
}

// New creates a Client but does not start its connection loop; call
// Start. q may be nil, in which case reconnect draining is skipped.
func New(cfg ClientConfig, q DrainQueue, logger *slog.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		liveCh: make(chan tracer.Snapshot, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Report implements tracer.Reporter by forwarding snap to the live
// channel consumed by the stream goroutine. The caller should already
// have persisted snap to the local queue; a failed Report is not fatal
// because the snapshot is re-delivered by the queue drain on reconnect.
func (c *Client) Report(ctx context.Context, snap tracer.Snapshot) error {
	select {
	case c.liveCh <- snap:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("export: stopped")
	default:
		return fmt.Errorf("export: live channel full, snapshot will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

func (c *Client) SnapshotsSentTotal() int64 { return c.snapshotsSentTotal.Load() }
func (c *Client) ReconnectTotal() int64     { return c.reconnectTotal.Load() }

func (c *Client) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("export: connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := dyntracepb.NewSnapshotServiceClient(conn)
	stream, err := client.StreamSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("StreamSnapshots: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("export: draining queue before live snapshots", slog.Int("depth", c.queue.Depth()))
		if err := c.drainQueue(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("queue drain: %w", err)
			}
		}
	}

	if err := c.processLive(ctx, stream); err != nil {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}

func (c *Client) drainQueue(ctx context.Context, stream dyntracepb.SnapshotService_StreamSnapshotsClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, ps := range pending {
			if err := stream.Send(toProto(ps.Snap)); err != nil {
				return fmt.Errorf("send (queued): %w", err)
			}
			ack, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ack (queued): %w", err)
			}
			if ack.Ok {
				if ackErr := c.queue.Ack(ctx, []int64{ps.ID}); ackErr != nil {
					c.logger.Warn("export: queue Ack failed", slog.Int64("queue_id", ps.ID), slog.Any("error", ackErr))
				} else {
					c.snapshotsSentTotal.Add(1)
				}
			} else {
				c.logger.Warn("export: collector rejected queued snapshot",
					slog.Int64("queue_id", ps.ID), slog.String("error", ack.Error))
			}
		}
	}
}

func (c *Client) processLive(ctx context.Context, stream dyntracepb.SnapshotService_StreamSnapshotsClient) error {
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if ack.Ok {
				c.snapshotsSentTotal.Add(1)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case snap := <-c.liveCh:
			if err := stream.Send(toProto(snap)); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

func toProto(s tracer.Snapshot) *dyntracepb.Snapshot {
	return &dyntracepb.Snapshot{
		RunId:       s.RunID,
		Sequence:    uint64(s.Sequence),
		Reason:      string(s.Reason),
		ReportXml:   s.ReportXML,
		Sha256:      s.SHA256,
		TakenAtUnix: s.Taken.Unix(),
		TargetPid:   int64(s.TargetPID),
		TargetName:  s.TargetName,
	}
}

func (c *Client) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}
	return credentials.NewTLS(tlsCfg), nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitterFactor := 0.75 + rand.Float64()*0.5
	next = time.Duration(float64(next) * jitterFactor)
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

var _ tracer.Reporter = (*Client)(nil)
