// Package health serves the standard gRPC health checking protocol for the
// fleet engine. The engine service reports SERVING while the orchestration
// loop runs and NOT_SERVING otherwise.
package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
)

// EngineService is the health service name that tracks the engine loop.
// The empty service name reports the process itself.
const EngineService = "fleet.Engine"

// Liveness is what the health server polls.
type Liveness interface {
	Running() bool
}

// RPCObserver supplies a metrics interceptor for served RPCs.
type RPCObserver interface {
	UnaryServerInterceptor() grpc.UnaryServerInterceptor
}

// Options configures a Server.
type Options struct {
	// Interval between liveness polls. Defaults to one second.
	Interval time.Duration
	Logger   logging.Logger
	Metrics  RPCObserver
}

// Server owns the gRPC server and the health status it publishes.
type Server struct {
	engine   Liveness
	grpc     *grpc.Server
	health   *grpchealth.Server
	log      logging.Logger
	interval time.Duration

	mu      sync.Mutex
	serving healthpb.HealthCheckResponse_ServingStatus
}

// New builds the gRPC server and registers the health service on it.
func New(engine Liveness, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}

	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(opts.Logger),
		TracingUnaryServerInterceptor(),
	}
	if opts.Metrics != nil {
		interceptors = append(interceptors, opts.Metrics.UnaryServerInterceptor())
	}

	s := &Server{
		engine:   engine,
		health:   grpchealth.NewServer(),
		log:      opts.Logger,
		interval: opts.Interval,
		serving:  healthpb.HealthCheckResponse_UNKNOWN,
	}
	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.Refresh()
	return s
}

// GRPC exposes the underlying server so callers can register more services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Refresh polls the engine once and publishes its status. Changes are logged.
func (s *Server) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.engine != nil && s.engine.Running() {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.mu.Lock()
	changed := status != s.serving
	s.serving = status
	s.mu.Unlock()

	if changed {
		s.health.SetServingStatus(EngineService, status)
		s.log.Info(context.Background(), "engine health changed",
			logging.String("service", EngineService),
			logging.String("status", status.String()),
		)
	}
	return status
}

// Serve accepts connections on lis until ctx is cancelled, then marks every
// service NOT_SERVING and stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()

	s.log.Info(ctx, "serving gRPC health", logging.String("addr", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	cancel()
	<-done
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
