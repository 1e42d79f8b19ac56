// Package gateway is the HTTP adapter around the fleet engine: a JSON REST
// API, a Server-Sent Events stream and a WebSocket broadcast of engine
// events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// Engine is the part of the fleet engine the gateway drives.
type Engine interface {
	CreateMission(ctx context.Context) model.Mission
	CancelMission(ctx context.Context, id string, reason model.CancelReason) (model.Mission, error)
	GetMission(id string) (model.Mission, error)
	ListMissions(filter model.MissionFilter) []model.Mission
	Stats() model.Stats

	UpsertRobot(ctx context.Context, r model.Robot) (model.Robot, error)
	GetRobot(id string) (model.Robot, error)
	ListRobots(filter model.RobotFilter) []model.Robot
	CancelRobot(ctx context.Context, id string, reason model.CancelReason) (model.Robot, error)
	SetHardwareIssue(ctx context.Context, id, message string) (model.Robot, error)
	ClearMaintenance(ctx context.Context, id string) (model.Robot, error)

	Subscribe(name string, h eventbus.Handler) func()
}

// HTTPObserver records served requests.
type HTTPObserver interface {
	ObserveHTTP(method, route string, code int, elapsed time.Duration)
}

// Options configures a Server.
type Options struct {
	// APIKey, when set, is required in the x-api-key header of every REST
	// call except /healthz.
	APIKey string
	// CreateRate and CreateBurst bound POST /missions. A zero rate
	// disables the limit.
	CreateRate  float64
	CreateBurst int
	// StreamBuffer is the per-client event queue for SSE and WebSocket
	// clients. Events for a client whose queue is full are dropped.
	StreamBuffer int
	// Heartbeat is the SSE keep-alive and WebSocket ping interval.
	Heartbeat time.Duration
	Logger    logging.Logger
	Metrics   HTTPObserver
}

// Server serves the fleet HTTP API.
type Server struct {
	engine  Engine
	opts    Options
	log     logging.Logger
	limiter *rate.Limiter
	router  *gin.Engine
}

// New builds the router. It does not listen.
func New(engine Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}

	s := &Server{engine: engine, opts: opts, log: opts.Logger}
	if opts.CreateRate > 0 {
		burst := opts.CreateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.CreateRate), burst)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.tracing(), s.accessLog())
	s.registerRoutes(router)
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections on lis until ctx is cancelled, then shuts down
// gracefully. Request contexts derive from ctx so open event streams end
// with it.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info(ctx, "serving fleet HTTP API", logging.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}
