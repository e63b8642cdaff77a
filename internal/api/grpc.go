package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/vietddude/connwatch/internal/core/domain"
)

// HealthServer implements grpc.health.v1.Health. The service name is a
// connection in "user/provider" form; the empty name reports the process.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	svc    Service
	logger *slog.Logger
}

var _ healthpb.HealthServer = (*HealthServer)(nil)

func NewHealthServer(svc Service, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{svc: svc, logger: logger.With("component", "grpc_health")}
}

func (h *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if req.GetService() == "" {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	}

	pair, err := domain.ParsePair(req.GetService())
	if err != nil {
		return nil, invalidService(req.GetService(), err)
	}

	st := h.svc.GetHealth(ctx, pair.UserID, pair.Provider, false)
	if st.RateLimited {
		return nil, rateLimited(st)
	}
	return &healthpb.HealthCheckResponse{Status: servingStatus(st)}, nil
}

func (h *HealthServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not supported, poll Check instead")
}

// Healthy and degraded connections can still serve reads.
func servingStatus(st domain.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch st.Status {
	case domain.StatusHealthy, domain.StatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

func invalidService(name string, cause error) error {
	st := status.New(codes.InvalidArgument, cause.Error())
	detailed, err := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{{
			Field:       "service",
			Description: fmt.Sprintf("%q must be user/provider", name),
		}},
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

func rateLimited(hs domain.HealthStatus) error {
	st := status.New(codes.ResourceExhausted, hs.ErrorMessage)
	detailed, err := st.WithDetails(&errdetails.RetryInfo{
		RetryDelay: durationpb.New(hs.CacheTTL()),
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// GRPCServer hosts the health service.
type GRPCServer struct {
	server *grpc.Server
	port   int
	logger *slog.Logger
}

func NewGRPCServer(svc Service, port int, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, NewHealthServer(svc, logger))
	return &GRPCServer{server: srv, port: port, logger: logger.With("component", "grpc")}
}

// Start listens on the configured port and blocks until Stop.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return g.Serve(lis)
}

func (g *GRPCServer) Serve(lis net.Listener) error {
	g.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return g.server.Serve(lis)
}

func (g *GRPCServer) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.server.Stop()
	}
}
