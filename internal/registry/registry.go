// Package registry owns robot records and their lifecycle: explicit
// transitions that assert a precondition status, and a periodic tick that
// applies battery physics and threshold-driven transitions.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/internal/events"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// MetricsRecorder receives robot status changes.
type MetricsRecorder interface {
	RobotTransitioned(from, to model.RobotStatus)
}

// Registry is the exclusive owner of robot records. Every change is
// published on the bus as a robot.updated snapshot after the registry lock
// has been released.
type Registry struct {
	mu     sync.RWMutex
	robots map[string]model.Robot
	// order keeps first-upsert order; it is the snapshot order listings
	// and assignment scans see.
	order []string

	bus     *eventbus.Bus
	battery BatteryModel
	clock   timectrl.Clock
	log     logging.Logger
	metrics MetricsRecorder
}

// Option customises a Registry.
type Option func(*Registry)

// WithBatteryModel overrides the battery rates.
func WithBatteryModel(b BatteryModel) Option {
	return func(g *Registry) { g.battery = b }
}

// WithClock sets the clock used for UpdatedAt stamps.
func WithClock(c timectrl.Clock) Option {
	return func(g *Registry) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(g *Registry) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMetricsRecorder attaches a recorder for status transitions.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(g *Registry) { g.metrics = m }
}

// New constructs an empty registry publishing on bus.
func New(bus *eventbus.Bus, opts ...Option) *Registry {
	if bus == nil {
		bus = eventbus.New()
	}
	g := &Registry{
		robots:  make(map[string]model.Robot),
		bus:     bus,
		battery: DefaultBatteryModel(),
		clock:   timectrl.WallClock{},
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Battery returns the active battery model.
func (g *Registry) Battery() BatteryModel {
	return g.battery
}

// Upsert inserts or replaces a robot. It is the seed and actuation entry
// point; the snapshot is validated and normalised but no transition rules
// apply.
func (g *Registry) Upsert(r model.Robot) (model.Robot, error) {
	if err := validateRobot(r); err != nil {
		return model.Robot{}, err
	}
	r = r.Clone()
	r.BatteryPct = ClampBattery(r.BatteryPct)

	g.mu.Lock()
	prev, exists := g.robots[r.ID]
	r.UpdatedAt = later(g.clock.Now(), prev.UpdatedAt)
	if !exists {
		g.order = append(g.order, r.ID)
	}
	g.robots[r.ID] = r
	g.mu.Unlock()

	if exists && g.metrics != nil && prev.Status != r.Status {
		g.metrics.RobotTransitioned(prev.Status, r.Status)
	}
	g.log.Debug(context.Background(), "robot upserted",
		logging.String("robot_id", r.ID),
		logging.String("status", string(r.Status)),
		logging.Float("battery_pct", r.BatteryPct),
	)
	g.emit(r)
	return r.Clone(), nil
}

// Get returns the robot with the given id.
func (g *Registry) Get(id string) (model.Robot, error) {
	if err := model.ValidateID(id); err != nil {
		return model.Robot{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.robots[id]
	if !ok {
		return model.Robot{}, fmt.Errorf("robot %s: %w", id, model.ErrNotFound)
	}
	return r.Clone(), nil
}

// List returns robots matching filter in first-upsert order.
func (g *Registry) List(filter model.RobotFilter) []model.Robot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Robot, 0, len(g.order))
	for _, id := range g.order {
		r := g.robots[id]
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Assign binds an eligible robot to a mission.
func (g *Registry) Assign(robotID, missionID string) (model.Robot, error) {
	if err := model.ValidateID(missionID); err != nil {
		return model.Robot{}, err
	}
	return g.transition(robotID, func(r model.Robot) (model.Robot, error) {
		if !r.Eligible() {
			return r, fmt.Errorf("robot %s in %s: %w", r.ID, r.Status, model.ErrNotEligible)
		}
		mid := missionID
		r.Status = model.RobotAssigned
		r.CurrentMissionID = &mid
		return r, nil
	})
}

// StartEnRoute moves an assigned robot onto its outbound leg.
func (g *Registry) StartEnRoute(robotID string) (model.Robot, error) {
	return g.transition(robotID, func(r model.Robot) (model.Robot, error) {
		if err := require(r, model.RobotAssigned); err != nil {
			return r, err
		}
		r.Status = model.RobotEnRoute
		return r, nil
	})
}

// StartDelivering moves an en-route robot into its delivery leg.
func (g *Registry) StartDelivering(robotID string) (model.Robot, error) {
	return g.transition(robotID, func(r model.Robot) (model.Robot, error) {
		if err := require(r, model.RobotEnRoute); err != nil {
			return r, err
		}
		r.Status = model.RobotDelivering
		return r, nil
	})
}

// CompleteMission sends a delivering robot back to base, free for reuse.
func (g *Registry) CompleteMission(robotID string) (model.Robot, error) {
	return g.transition(robotID, func(r model.Robot) (model.Robot, error) {
		if err := require(r, model.RobotDelivering); err != nil {
			return r, err
		}
		r.Status = model.RobotReturningToBase
		r.CurrentMissionID = nil
		r.Reassignable = true
		return r, nil
	})
}

// Cancel aborts whatever the robot is doing and sends it back to base.
// Robots under maintenance or failed cannot be canceled.
func (g *Registry) Cancel(robotID string, reason model.CancelReason) (model.Robot, error) {
	if reason == "" {
		reason = model.ReasonUser
	}
	if !reason.Valid() {
		return model.Robot{}, fmt.Errorf("%w %q", model.ErrInvalidReason, reason)
	}
	return g.transition(robotID, func(r model.Robot) (model.Robot, error) {
		if r.Status == model.RobotMaintenance || r.Status == model.RobotFailed {
			return r, fmt.Errorf("robot %s in %s cannot be canceled: %w", r.ID, r.Status, model.ErrInvalidTransition)
		}
		return applyCancelSemantics(r, reason), nil
	})
}

// SetHardwareIssue takes the robot out of service regardless of its state.
func (g *Registry) SetHardwareIssue(robotID, message string) (model.Robot, error) {
	if message == "" {
		message = string(model.ReasonHardware)
	}
	return g.transition(robotID, func(r model.Robot) (model.Robot, error) {
		r.Status = model.RobotMaintenance
		r.Reassignable = false
		r.CurrentMissionID = nil
		r.LastError = &model.RobotError{Code: string(model.ReasonHardware), Message: message}
		return r, nil
	})
}

// ClearMaintenance returns a repaired robot to idle.
func (g *Registry) ClearMaintenance(robotID string) (model.Robot, error) {
	return g.transition(robotID, func(r model.Robot) (model.Robot, error) {
		if err := require(r, model.RobotMaintenance, model.RobotFailed); err != nil {
			return r, err
		}
		r.LastError = nil
		return toIdle(r), nil
	})
}

// Tick applies one battery step to a single robot. A robot.updated event
// is published only when the step changed something.
func (g *Registry) Tick(robotID string, opts TickOptions) (model.Robot, error) {
	if err := model.ValidateID(robotID); err != nil {
		return model.Robot{}, err
	}
	g.mu.Lock()
	start, ok := g.robots[robotID]
	if !ok {
		g.mu.Unlock()
		return model.Robot{}, fmt.Errorf("robot %s: %w", robotID, model.ErrNotFound)
	}
	next, changed := g.tickLocked(start, opts)
	g.mu.Unlock()

	if changed {
		g.afterTransition(start, next)
	}
	return next.Clone(), nil
}

// TickAll applies one battery step to every robot in snapshot order and
// returns the robots that changed.
func (g *Registry) TickAll(opts TickOptions) []model.Robot {
	type change struct{ from, to model.Robot }

	g.mu.Lock()
	changes := make([]change, 0)
	for _, id := range g.order {
		start := g.robots[id]
		if next, changed := g.tickLocked(start, opts); changed {
			changes = append(changes, change{from: start, to: next})
		}
	}
	g.mu.Unlock()

	out := make([]model.Robot, 0, len(changes))
	for _, c := range changes {
		g.afterTransition(c.from, c.to)
		out = append(out, c.to.Clone())
	}
	return out
}

func (g *Registry) tickLocked(start model.Robot, opts TickOptions) (model.Robot, bool) {
	next := advance(start, g.battery, opts)
	if sameState(start, next) {
		return start, false
	}
	next.UpdatedAt = later(g.clock.Now(), start.UpdatedAt)
	g.robots[next.ID] = next
	return next, true
}

// transition runs fn against the current snapshot under the write lock and
// commits its result. A rejected transition leaves the robot untouched.
func (g *Registry) transition(robotID string, fn func(model.Robot) (model.Robot, error)) (model.Robot, error) {
	if err := model.ValidateID(robotID); err != nil {
		return model.Robot{}, err
	}

	g.mu.Lock()
	start, ok := g.robots[robotID]
	if !ok {
		g.mu.Unlock()
		return model.Robot{}, fmt.Errorf("robot %s: %w", robotID, model.ErrNotFound)
	}
	next, err := fn(start.Clone())
	if err != nil {
		g.mu.Unlock()
		return model.Robot{}, err
	}
	next.UpdatedAt = later(g.clock.Now(), start.UpdatedAt)
	g.robots[next.ID] = next
	g.mu.Unlock()

	g.afterTransition(start, next)
	return next.Clone(), nil
}

func (g *Registry) afterTransition(from, to model.Robot) {
	if from.Status != to.Status {
		if g.metrics != nil {
			g.metrics.RobotTransitioned(from.Status, to.Status)
		}
		g.log.Debug(context.Background(), "robot transitioned",
			logging.String("robot_id", to.ID),
			logging.String("from", string(from.Status)),
			logging.String("to", string(to.Status)),
			logging.Float("battery_pct", to.BatteryPct),
		)
	}
	g.emit(to)
}

func (g *Registry) emit(r model.Robot) {
	eventbus.Emit(g.bus, events.RobotUpdated, r.Clone())
}

func require(r model.Robot, allowed ...model.RobotStatus) error {
	for _, s := range allowed {
		if r.Status == s {
			return nil
		}
	}
	return fmt.Errorf("robot %s in %s, want %v: %w", r.ID, r.Status, allowed, model.ErrInvalidTransition)
}

func validateRobot(r model.Robot) error {
	if err := model.ValidateID(r.ID); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", model.ErrInvalidRobot, r.Status)
	}
	if r.CurrentMissionID != nil {
		if !r.Status.Bound() {
			return fmt.Errorf("%w: status %s cannot carry a mission", model.ErrInvalidRobot, r.Status)
		}
		if err := model.ValidateID(*r.CurrentMissionID); err != nil {
			return fmt.Errorf("%w: currentMissionId: %v", model.ErrInvalidRobot, err)
		}
	}
	return nil
}
