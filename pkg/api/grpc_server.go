package api

import (
	"fmt"
	"net"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer exposes the standard gRPC health service for load balancers.
// The gateway reports SERVING while at least one node is reachable.
type GRPCServer struct {
	health   *health.Server
	logger   *logger.Logger
	server   *grpc.Server
	listener net.Listener
	serving  bool
}

// NewGRPCServer creates a new gRPC server
func NewGRPCServer(log *logger.Logger) *GRPCServer {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, h)
	reflection.Register(server)

	return &GRPCServer{
		health: h,
		logger: log,
		server: server,
	}
}

// Start starts the gRPC server
func (s *GRPCServer) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis

	s.logger.Info("gRPC server starting", zap.String("address", lis.Addr().String()))

	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the gRPC server
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

// Refresh updates the health status from pool stats; it runs on the
// autoscaler goroutine
func (s *GRPCServer) Refresh(stats models.PoolStats) {
	serving := stats.TotalNodes-stats.Unreachable > 0
	if serving == s.serving {
		return
	}
	s.serving = serving

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)

	s.logger.Info("gRPC health changed",
		zap.String("status", status.String()),
		zap.Int("reachable_nodes", stats.TotalNodes-stats.Unreachable),
	)
}
