package grpcapi

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cdb.platformcommons.org/internal/auth"
	"cdb.platformcommons.org/internal/obs"
)

// Checker reports dependency readiness; httpapi.ReadyProbe satisfies it.
type Checker interface {
	Check(ctx context.Context) error
}

// Server is the authd gRPC endpoint: token service plus standard health.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ready  Checker
	log    *slog.Logger
}

// NewServer wires the token service and health service behind the auth and
// logging interceptors. ready may be nil.
func NewServer(verifier *auth.Verifier, ready Checker, log *slog.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = obs.Logger()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			UnaryLoggingInterceptor(log),
			UnaryAuthInterceptor(verifier, log, DefaultPublicMethods...),
		),
		grpc.ChainStreamInterceptor(StreamAuthInterceptor(verifier, log, DefaultPublicMethods...)),
	)
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		ready:  ready,
		log:    log,
	}
	RegisterTokenService(s.grpc, NewTokenService(verifier))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setServing(true)
	return s
}

// Serve blocks until the listener fails or the server stops.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop marks the server as not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// WatchReadiness polls the readiness checker and mirrors the result into the
// health service until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, every time.Duration) {
	if s.ready == nil {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		s.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.ready.Check(cctx)
	if err != nil && ctx.Err() == nil {
		s.log.WarnContext(ctx, "grpc readiness check failed", "error", err)
	}
	s.setServing(err == nil)
}

func (s *Server) setServing(ok bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ok {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
