// Package probe serves the standard gRPC health protocol, reporting whether
// the database and the upstream API are reachable.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceDatabase and ServiceBackend are the per-dependency service
	// names. The empty service name reports overall readiness, which
	// follows the database only.
	ServiceDatabase = "dayboard.database"
	ServiceBackend  = "dayboard.backend"

	defaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
)

var errConnectionShutdown = errors.New("connection shutdown")

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	Database Pinger
	Backend  Pinger // optional
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Server runs the gRPC health service and refreshes it periodically.
type Server struct {
	cfg    Config
	grpc   *grpc.Server
	health *health.Server

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// New creates a server whose every service starts NOT_SERVING until the
// first refresh.
func New(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hs := health.NewServer()
	for _, svc := range []string{"", ServiceDatabase, ServiceBackend} {
		hs.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		cfg:    cfg,
		grpc:   gs,
		health: hs,
		last:   make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
}

// Refresh pings every dependency once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	db := s.check(ctx, ServiceDatabase, s.cfg.Database)
	s.set("", db)
	if s.cfg.Backend != nil {
		s.check(ctx, ServiceBackend, s.cfg.Backend)
	} else {
		s.set(ServiceBackend, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	}
}

// Serve refreshes the statuses on every interval and serves lis until ctx is
// done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()

	s.cfg.Logger.Info("gRPC health service listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

func (s *Server) check(ctx context.Context, service string, p Pinger) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if p == nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else if err := p.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.cfg.Logger.Warn("Dependency check failed", "service", service, "error", err)
	}
	s.set(service, status)
	return status
}

func (s *Server) set(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	prev, seen := s.last[service]
	s.last[service] = status
	s.mu.Unlock()

	if seen && prev != status {
		s.cfg.Logger.Info("Health status changed", "service", service, "from", prev.String(), "to", status.String())
	}
	s.health.SetServingStatus(service, status)
}

// Check dials addr and asks for the status of service, for use by
// container health checks.
func Check(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("create health client for %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if err := waitForReady(ctx, conn); err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health service at %s not ready: %w", addr, err)
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}
