// Package sim composes the fleet engine: the event bus, the robot registry,
// the mission orchestrator, the actuation bridge between them and the
// periodic driver that steps the whole simulation.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/internal/events"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/orchestrator"
	"github.com/signalsfoundry/fleet-simulator/internal/registry"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

const tracerName = "github.com/signalsfoundry/fleet-simulator/internal/sim"

// Config holds the knobs of one simulation run.
type Config struct {
	// Tick is the simulated time covered by one step. Robots are ticked
	// with dt = Tick in seconds.
	Tick time.Duration
	Mode timectrl.Mode
	// Movement enables the moving drain rate for robots on a leg.
	Movement     bool
	Orchestrator orchestrator.Options
	Battery      registry.BatteryModel
	// Seed fixes the failure-injection source. Zero seeds from the clock.
	Seed uint64
}

// DefaultConfig is a one-second real-time loop with stock rates.
func DefaultConfig() Config {
	return Config{
		Tick:         time.Second,
		Mode:         timectrl.RealTime,
		Movement:     true,
		Orchestrator: orchestrator.DefaultOptions(),
		Battery:      registry.DefaultBatteryModel(),
	}
}

// Metrics is everything the engine reports to a metrics backend.
type Metrics interface {
	registry.MetricsRecorder
	orchestrator.MetricsRecorder
	eventbus.PanicReporter
	StepObserved(d time.Duration)
	RobotsObserved(counts map[model.RobotStatus]int)
}

// Option customises an Engine.
type Option func(*Engine)

// WithConfig replaces the run configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger attaches a structured logger to the engine and its components.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock sets the clock used to stamp robots and missions.
func WithClock(c timectrl.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithRand overrides the failure-injection source, ignoring Config.Seed.
func WithRand(r orchestrator.Rand) Option {
	return func(e *Engine) { e.rand = r }
}

// WithMetrics attaches a metrics backend.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracerProvider sets the provider for engine spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// Engine is the single entry point for transport adapters. Mutating calls
// and steps are serialized by one lock. Events reach the internal bus under
// that lock; observers registered through Subscribe or Events receive them
// afterwards, in commit order, and may call Engine methods.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	bus       *eventbus.Bus
	observers *eventbus.Bus
	forward   func()

	pendingMu sync.Mutex
	pending   []pendingEvent
	flushing  bool

	robots   *registry.Registry
	missions *orchestrator.Orchestrator
	bridge   *actuator
	loop     *timectrl.TimeController

	clock   timectrl.Clock
	rand    orchestrator.Rand
	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// New wires a ready-to-run engine. The periodic driver is not started.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    DefaultConfig(),
		clock:  timectrl.WallClock{},
		log:    logging.Noop(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.cfg.Tick <= 0 {
		return nil, fmt.Errorf("sim: tick must be positive, got %s", e.cfg.Tick)
	}
	if e.rand == nil && e.cfg.Seed != 0 {
		e.rand = orchestrator.NewRand(e.cfg.Seed)
	}

	busOpts := []eventbus.Option{eventbus.WithLogger(e.log)}
	regOpts := []registry.Option{
		registry.WithBatteryModel(e.cfg.Battery),
		registry.WithClock(e.clock),
		registry.WithLogger(e.log),
	}
	orchOpts := []orchestrator.Option{
		orchestrator.WithOptions(e.cfg.Orchestrator),
		orchestrator.WithClock(e.clock),
		orchestrator.WithLogger(e.log),
		orchestrator.WithRand(e.rand),
	}
	if e.metrics != nil {
		busOpts = append(busOpts, eventbus.WithPanicReporter(e.metrics))
		regOpts = append(regOpts, registry.WithMetricsRecorder(e.metrics))
		orchOpts = append(orchOpts, orchestrator.WithMetricsRecorder(e.metrics))
	}

	e.bus = eventbus.New(busOpts...)
	e.robots = registry.New(e.bus, regOpts...)
	missions, err := orchestrator.New(e.bus, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	e.missions = missions
	e.bridge = newActuator(e.bus, e.robots, e.missions, e.log)
	e.observers = eventbus.New(busOpts...)
	e.forward = e.bus.SubscribeMany(events.All(), e.enqueue)

	e.loop = timectrl.NewTimeController(e.clock.Now(), e.cfg.Tick, e.cfg.Mode)
	e.loop.AddListener(func(time.Time) { e.Step(context.Background()) })
	return e, nil
}

// Config returns the run configuration.
func (e *Engine) Config() Config { return e.cfg }

// Bus exposes the internal bus the components are wired through. Its
// handlers run under the engine lock and must not call Engine mutators.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Events exposes the observer bus. Its handlers run after the engine lock is
// released.
func (e *Engine) Events() *eventbus.Bus { return e.observers }

// Subscribe is shorthand for Events().Subscribe.
func (e *Engine) Subscribe(name string, h eventbus.Handler) func() {
	return e.observers.Subscribe(name, h)
}

// CreateMission registers a pending mission and tries to assign it.
func (e *Engine) CreateMission(ctx context.Context) model.Mission {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "fleet.CreateMission")
	defer span.End()

	m := e.missions.CreateMission()
	span.SetAttributes(
		attribute.String("mission.id", m.ID),
		attribute.String("mission.status", string(m.Status)),
	)
	return m
}

// CancelMission cancels a mission. Terminal missions are returned unchanged.
func (e *Engine) CancelMission(ctx context.Context, id string, reason model.CancelReason) (model.Mission, error) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "fleet.CancelMission", trace.WithAttributes(
		attribute.String("mission.id", id),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	m, err := e.missions.CancelMission(id, reason)
	return m, recordErr(span, err)
}

// GetMission returns one mission.
func (e *Engine) GetMission(id string) (model.Mission, error) {
	return e.missions.GetMission(id)
}

// ListMissions returns missions matching filter in creation order.
func (e *Engine) ListMissions(filter model.MissionFilter) []model.Mission {
	return e.missions.ListMissions(filter)
}

// Stats returns the current mission tally.
func (e *Engine) Stats() model.Stats {
	return e.missions.Stats()
}

// UpsertRobot seeds or replaces a robot.
func (e *Engine) UpsertRobot(ctx context.Context, r model.Robot) (model.Robot, error) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "fleet.UpsertRobot", trace.WithAttributes(
		attribute.String("robot.id", r.ID),
		attribute.String("robot.status", string(r.Status)),
	))
	defer span.End()

	out, err := e.robots.Upsert(r)
	return out, recordErr(span, err)
}

// GetRobot returns one robot.
func (e *Engine) GetRobot(id string) (model.Robot, error) {
	return e.robots.Get(id)
}

// ListRobots returns robots matching filter in first-upsert order.
func (e *Engine) ListRobots(filter model.RobotFilter) []model.Robot {
	return e.robots.List(filter)
}

// CancelRobot sends a robot back to base and cancels the mission it was
// carrying with the same reason.
func (e *Engine) CancelRobot(ctx context.Context, id string, reason model.CancelReason) (model.Robot, error) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "fleet.CancelRobot", trace.WithAttributes(
		attribute.String("robot.id", id),
		attribute.String("reason", string(reason)),
	))
	defer span.End()

	before, err := e.robots.Get(id)
	if err != nil {
		return model.Robot{}, recordErr(span, err)
	}
	r, err := e.robots.Cancel(id, reason)
	if err != nil {
		return model.Robot{}, recordErr(span, err)
	}
	if missionID := before.MissionID(); missionID != "" {
		if reason == "" {
			reason = model.ReasonUser
		}
		if _, err := e.missions.CancelMission(missionID, reason); err != nil {
			e.log.Warn(ctx, "cancel carried mission",
				logging.String("robot_id", id),
				logging.String("mission_id", missionID),
				logging.Err(err),
			)
		}
	}
	return e.robots.Get(r.ID)
}

// SetHardwareIssue puts a robot into maintenance. The mission it was
// carrying fails with reason hardware.
func (e *Engine) SetHardwareIssue(ctx context.Context, id, message string) (model.Robot, error) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "fleet.SetHardwareIssue", trace.WithAttributes(attribute.String("robot.id", id)))
	defer span.End()

	r, err := e.robots.SetHardwareIssue(id, message)
	return r, recordErr(span, err)
}

// ClearMaintenance returns a repaired robot to idle.
func (e *Engine) ClearMaintenance(ctx context.Context, id string) (model.Robot, error) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "fleet.ClearMaintenance", trace.WithAttributes(attribute.String("robot.id", id)))
	defer span.End()

	r, err := e.robots.ClearMaintenance(id)
	return r, recordErr(span, err)
}

// Step advances the simulation by one tick: missions first, then every
// robot's battery.
func (e *Engine) Step(ctx context.Context) {
	e.mu.Lock()
	defer e.flush()
	defer e.mu.Unlock()
	_, span := e.tracer.Start(ctx, "fleet.Step")
	defer span.End()

	start := time.Now()
	e.missions.Tick()
	changed := e.robots.TickAll(registry.TickOptions{
		DtSec:    e.cfg.Tick.Seconds(),
		Movement: e.cfg.Movement,
	})
	elapsed := time.Since(start)

	stats := e.missions.Stats()
	span.SetAttributes(
		attribute.Int("robots.changed", len(changed)),
		attribute.Int("missions.active", stats.Active),
		attribute.Int("missions.completed", stats.Completed),
		attribute.Int("missions.failed", stats.Failed),
	)
	if e.metrics != nil {
		e.metrics.StepObserved(elapsed)
		e.metrics.RobotsObserved(countByStatus(e.robots.List(model.RobotFilter{})))
	}
}

// Start runs the periodic driver until duration of simulated time has
// passed (zero runs until Stop). The returned channel closes when the
// driver exits.
func (e *Engine) Start(duration time.Duration) <-chan struct{} {
	e.log.Info(context.Background(), "simulation loop starting",
		logging.Duration("tick", e.cfg.Tick),
		logging.String("mode", e.cfg.Mode.String()),
	)
	return e.loop.Start(duration)
}

// Stop halts the periodic driver after any in-flight step. It is safe to
// call repeatedly.
func (e *Engine) Stop() {
	wasRunning := e.loop.Running()
	e.loop.Stop()
	if wasRunning {
		e.log.Info(context.Background(), "simulation loop stopped", logging.Int("ticks", int(e.loop.Ticks())))
	}
}

// Running reports whether the periodic driver is active.
func (e *Engine) Running() bool { return e.loop.Running() }

// Ticks returns how many steps the periodic driver has fired.
func (e *Engine) Ticks() uint64 { return e.loop.Ticks() }

// Close stops the driver and detaches the engine's internal subscribers.
func (e *Engine) Close() {
	e.Stop()
	e.forward()
	e.bridge.close()
	e.missions.Close()
}

type pendingEvent struct {
	name    string
	payload any
}

func (e *Engine) enqueue(name string, payload any) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, pendingEvent{name: name, payload: payload})
	e.pendingMu.Unlock()
}

// flush hands queued events to observers. A single goroutine drains at a
// time; events queued meanwhile, including by observers calling back into
// the engine, are delivered by that goroutine before it returns.
func (e *Engine) flush() {
	e.pendingMu.Lock()
	if e.flushing {
		e.pendingMu.Unlock()
		return
	}
	e.flushing = true
	for len(e.pending) > 0 {
		batch := e.pending
		e.pending = nil
		e.pendingMu.Unlock()
		for _, ev := range batch {
			e.observers.Publish(ev.name, ev.payload)
		}
		e.pendingMu.Lock()
	}
	e.flushing = false
	e.pendingMu.Unlock()
}

func countByStatus(robots []model.Robot) map[model.RobotStatus]int {
	counts := make(map[model.RobotStatus]int, len(model.RobotStatuses))
	for _, s := range model.RobotStatuses {
		counts[s] = 0
	}
	for _, r := range robots {
		counts[r.Status]++
	}
	return counts
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
