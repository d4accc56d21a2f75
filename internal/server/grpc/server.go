// Package grpc exposes the standard gRPC health service for the broker.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ekisa-team/rvcbroker/internal/service"
	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

// Service names reported by the health server. The empty name is the
// overall broker state.
const (
	ServiceBroker    = ""
	ServiceConvert   = "rvcbroker.convert"
	ServiceSynthesis = "rvcbroker.synthesis"
)

const defaultRefresh = 5 * time.Second

// Option configures a Server.
type Option func(*Server)

// WithRefresh sets how often serving statuses are recomputed.
func WithRefresh(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.refresh = d
		}
	}
}

// Server serves grpc.health.v1.Health with statuses derived from the broker.
type Server struct {
	broker  *service.Broker
	health  *health.Server
	grpc    *grpc.Server
	refresh time.Duration
}

// NewServer creates a health server for broker.
func NewServer(broker *service.Broker, opts ...Option) *Server {
	s := &Server{
		broker:  broker,
		health:  health.NewServer(),
		grpc:    grpc.NewServer(),
		refresh: defaultRefresh,
	}
	for _, opt := range opts {
		opt(s)
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Update()

	return s
}

// Update recomputes the serving status of every service.
func (s *Server) Update() {
	st := s.broker.Status()

	s.health.SetServingStatus(ServiceBroker, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceConvert, servingStatus(xfs.IsDir(st.ModelsDir)))
	s.health.SetServingStatus(ServiceSynthesis, servingStatus(st.EdgeTTS))
}

// Serve accepts connections on lis until ctx is done, refreshing statuses
// periodically.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	slog.Info("gRPC health server started", "addr", lis.Addr().String())

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("gRPC server failed: %w", err)
		case <-ticker.C:
			s.Update()
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			slog.Info("gRPC health server stopped")
			return nil
		}
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, lis)
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
