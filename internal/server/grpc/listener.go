package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	dyntracepb "github.com/dyntrace/dyntrace/proto/dyntracepb"
)

// Config holds the TLS listener configuration for the collector's gRPC
// ingestion service.
type Config struct {
	// Addr is the listen address, e.g. ":4443".
	Addr string

	// CertPath/KeyPath are the collector's own server identity.
	CertPath string
	KeyPath  string

	// CAPath verifies tracer client certificates. Leave empty to accept any
	// client (Insecure must then be true, or TLS falls back to server-only
	// authentication).
	CAPath string

	// Insecure skips TLS entirely and serves plaintext gRPC. Intended for
	// local development only.
	Insecure bool
}

// GRPCServer wraps a *grpc.Server bound to a net.Listener so that callers can
// Serve and Stop it without reaching into the grpc package directly.
type GRPCServer struct {
	srv *grpc.Server
	lis net.Listener
}

// New creates a GRPCServer listening on cfg.Addr, registers impl as the
// SnapshotService implementation, and wires the configured TLS credentials.
func New(cfg Config, impl dyntracepb.SnapshotServiceServer) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	var opts []grpc.ServerOption
	if !cfg.Insecure {
		creds, err := serverCredentials(cfg)
		if err != nil {
			lis.Close()
			return nil, fmt.Errorf("build TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	srv := grpc.NewServer(opts...)
	dyntracepb.RegisterSnapshotServiceServer(srv, impl)

	return &GRPCServer{srv: srv, lis: lis}, nil
}

// Serve blocks accepting connections until ctx is cancelled, at which point
// it initiates a graceful stop.
func (g *GRPCServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.srv.Serve(g.lis)
	}()

	select {
	case <-ctx.Done():
		g.srv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop forces an immediate shutdown, closing all active connections.
func (g *GRPCServer) Stop() {
	g.srv.Stop()
}

func serverCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAPath != "" {
		caPEM, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
		}
		tlsCfg.ClientCAs = caPool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(tlsCfg), nil
}
