package server

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported next to the overall one.
const ServiceName = "scenesplit"

// HealthServer serves the standard gRPC health protocol.
type HealthServer struct {
	addr   string
	log    *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// NewHealthServer builds a health server that reports SERVING when ready.
func NewHealthServer(addr string, ready bool, log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	hs := &HealthServer{
		addr:   addr,
		log:    log,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	hs.SetReady(ready)
	return hs
}

// SetReady switches the reported status.
func (h *HealthServer) SetReady(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Start listens on the configured address and serves until ctx is done.
func (h *HealthServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.grpc.GracefulStop()
	}()
	h.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := h.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
