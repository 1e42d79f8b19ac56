package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/fleet-simulator/model"
)

// FleetCollector bundles the Prometheus metrics of the fleet engine and its
// transports. It satisfies the engine's metrics interface so the registry,
// the orchestrator and the event bus drive it directly.
type FleetCollector struct {
	gatherer prometheus.Gatherer

	Missions           *prometheus.GaugeVec
	Robots             *prometheus.GaugeVec
	RobotTransitions   *prometheus.CounterVec
	MissionTransitions *prometheus.CounterVec
	StepDuration       prometheus.Histogram
	HandlerPanics      *prometheus.CounterVec

	RPCRequests   *prometheus.CounterVec
	RPCDurations  *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewFleetCollector registers fleet metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry reuses the existing
// collectors.
func NewFleetCollector(reg prometheus.Registerer) (*FleetCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &FleetCollector{gatherer: gatherer}
	var err error

	if c.Missions, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_missions",
		Help: "Current mission tally, labeled by bucket (active, completed, failed).",
	}, []string{"bucket"}), "fleet_missions"); err != nil {
		return nil, err
	}
	if c.Robots, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_robots",
		Help: "Current number of robots in each status.",
	}, []string{"status"}), "fleet_robots"); err != nil {
		return nil, err
	}
	if c.RobotTransitions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_robot_transitions_total",
		Help: "Robot status changes, labeled by from and to status.",
	}, []string{"from", "to"}), "fleet_robot_transitions_total"); err != nil {
		return nil, err
	}
	if c.MissionTransitions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_mission_transitions_total",
		Help: "Mission status changes, labeled by from and to status.",
	}, []string{"from", "to"}), "fleet_mission_transitions_total"); err != nil {
		return nil, err
	}
	if c.StepDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_step_duration_seconds",
		Help:    "Wall time spent applying one simulation step.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "fleet_step_duration_seconds"); err != nil {
		return nil, err
	}
	if c.HandlerPanics, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_event_handler_panics_total",
		Help: "Event bus handlers that panicked and were recovered, labeled by event.",
	}, []string{"event"}), "fleet_event_handler_panics_total"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_grpc_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "fleet_grpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_grpc_request_duration_seconds",
		Help:    "gRPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "fleet_grpc_request_duration_seconds"); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_http_requests_total",
		Help: "Total number of handled HTTP requests, labeled by method, route, and status code.",
	}, []string{"method", "route", "code"}), "fleet_http_requests_total"); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_http_request_duration_seconds",
		Help:    "HTTP latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method", "route"}), "fleet_http_request_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *FleetCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// ObserveHTTP records one served HTTP request. route is the matched route
// template, never the raw path.
func (c *FleetCollector) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	c.HTTPDurations.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FleetCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RobotTransitioned counts a robot status change.
func (c *FleetCollector) RobotTransitioned(from, to model.RobotStatus) {
	if c == nil {
		return
	}
	c.RobotTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// MissionTransitioned counts a mission status change.
func (c *FleetCollector) MissionTransitioned(from, to model.MissionStatus) {
	if c == nil {
		return
	}
	c.MissionTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// StatsChanged mirrors the mission tally into gauges.
func (c *FleetCollector) StatsChanged(s model.Stats) {
	if c == nil {
		return
	}
	c.Missions.WithLabelValues("active").Set(float64(s.Active))
	c.Missions.WithLabelValues("completed").Set(float64(s.Completed))
	c.Missions.WithLabelValues("failed").Set(float64(s.Failed))
}

// RobotsObserved mirrors per-status robot counts into gauges.
func (c *FleetCollector) RobotsObserved(counts map[model.RobotStatus]int) {
	if c == nil {
		return
	}
	for s, n := range counts {
		c.Robots.WithLabelValues(string(s)).Set(float64(n))
	}
}

// StepObserved records the wall time of one simulation step.
func (c *FleetCollector) StepObserved(d time.Duration) {
	if c == nil {
		return
	}
	c.StepDuration.Observe(d.Seconds())
}

// HandlerPanicked counts a recovered event handler panic.
func (c *FleetCollector) HandlerPanicked(event string) {
	if c == nil {
		return
	}
	c.HandlerPanics.WithLabelValues(event).Inc()
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds col to reg, returning the already registered collector of
// the same type when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	return register(reg, vec, name)
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	return register(reg, vec, name)
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	return register(reg, vec, name)
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	return register(reg, h, name)
}
