// Package health serves the standard gRPC health service. The console
// reports SERVING only while its signaling transport is Registered.
package health

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/callconsole/internal/console/registry"
)

// ServiceName is the health service name for the signaling transport.
// The empty name reports the same status.
const ServiceName = "callconsole.Transport"

// Server wraps a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a health server in NOT_SERVING state.
func New() *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetTransport maps the transport state onto the serving status. It has the
// signature of a registry.OnTransportChange callback.
func (s *Server) SetTransport(state registry.TransportState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == registry.TransportRegistered {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.set(status)
	slog.Debug("[Health] Status changed", "transport", state, "status", status)
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	slog.Info("[Health] gRPC health listening", "address", lis.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
	defer stop()

	if err := s.grpc.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("[Health] gRPC health stopped")
	return nil
}
