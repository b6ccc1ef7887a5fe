// Package health reports device availability over the standard gRPC health
// protocol. Each device token is a service name; the empty service name
// is the whole bridge.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/callbridge/internal/callbridge/device"
)

// Reporter tracks device status and mirrors it into a health server.
type Reporter struct {
	srv *health.Server

	mu   sync.Mutex
	open map[string]bool
}

// NewReporter starts with no devices, so the bridge reports NOT_SERVING.
func NewReporter() *Reporter {
	r := &Reporter{
		srv:  health.NewServer(),
		open: make(map[string]bool),
	}
	r.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Server returns the underlying health service.
func (r *Reporter) Server() *health.Server {
	return r.srv
}

// SetDevice records the status of token.
func (r *Reporter) SetDevice(token string, status device.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	open := status == device.StatusOpen
	r.open[token] = open
	r.srv.SetServingStatus(token, servingStatus(open))
	r.updateOverall()
}

// RemoveDevice forgets token. Its service then reports SERVICE_UNKNOWN.
func (r *Reporter) RemoveDevice(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[token]; !ok {
		return
	}
	delete(r.open, token)
	r.srv.SetServingStatus(token, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	r.updateOverall()
}

// Open returns how many devices are open.
func (r *Reporter) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ok := range r.open {
		if ok {
			n++
		}
	}
	return n
}

// Check returns the serving status of service without going through gRPC.
func (r *Reporter) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := r.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve runs a gRPC server exposing the health service on addr until ctx
// is done.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	return r.serve(ctx, lis)
}

func (r *Reporter) serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, r.srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	slog.Info("[Health] gRPC health server listening", "address", lis.Addr().String())

	select {
	case <-ctx.Done():
		r.srv.Shutdown()
		gs.GracefulStop()
		slog.Info("[Health] gRPC health server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("health serve: %w", err)
	}
}

func (r *Reporter) updateOverall() {
	serving := false
	for _, ok := range r.open {
		if ok {
			serving = true
			break
		}
	}
	r.srv.SetServingStatus("", servingStatus(serving))
}

func servingStatus(open bool) healthpb.HealthCheckResponse_ServingStatus {
	if open {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
