package grpc

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/example/shopcore/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall "".
const ServiceName = "shopcore.Shop"

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes the standard gRPC health protocol. The status is
// SERVING while every registered dependency answers its ping.
type HealthServer struct {
	config   *config.GRPCConfig
	logger   *zap.Logger
	server   *grpc.Server
	health   *health.Server
	interval time.Duration
	checks   map[string]Pinger
}

func NewHealthServer(cfg *config.GRPCConfig, logger *zap.Logger, checks map[string]Pinger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &HealthServer{
		config:   cfg,
		logger:   logger,
		server:   srv,
		health:   hs,
		interval: 15 * time.Second,
		checks:   checks,
	}
}

func (s *HealthServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("gRPC health service started", zap.String("address", addr))
	return s.server.Serve(lis)
}

// Run refreshes the status now and then on every interval until ctx ends.
func (s *HealthServer) Run(ctx context.Context) {
	s.Refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh pings every dependency and publishes the result.
func (s *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := s.checks[name].Ping(pingCtx)
		cancel()
		if err != nil {
			s.logger.Warn("Dependency unhealthy", zap.String("dependency", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

func (s *HealthServer) Check(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
