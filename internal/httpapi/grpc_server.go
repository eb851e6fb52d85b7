package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"clinicore.org/internal/obs"
)

// GRPCServer serves the standard gRPC health protocol backed by the same
// readiness probe as /readyz.
type GRPCServer struct {
	grpc_health_v1.UnimplementedHealthServer

	readiness readinessChecker
	version   string
	logger    *slog.Logger
}

// NewGRPCServer creates the gRPC service wrapper. A nil logger disables call logging.
func NewGRPCServer(r readinessChecker, version string, logger *slog.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{readiness: r, version: version, logger: logger}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(srv, s)
}

// Check reports SERVING for the empty service name and for "clinicore".
func (s *GRPCServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// UnaryLogging logs each unary call with its code and duration.
func (s *GRPCServer) UnaryLogging() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if s.logger != nil {
			s.logger.InfoContext(ctx, "grpc_call",
				slog.String("method", info.FullMethod),
				slog.String("code", status.Code(err).String()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("version", s.version),
			)
		}
		return resp, err
	}
}
