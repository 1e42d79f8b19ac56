// Package orchestrator owns missions. It assigns pending missions to
// eligible robots, advances assigned missions through their movement legs
// on every tick, injects blocked-path failures and reacts to robot reports
// that make an active mission impossible.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/internal/events"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/registry"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// legTimer counts the ticks left in the leg a mission is currently on.
type legTimer struct {
	leg  model.MissionStatus
	left int
}

// Orchestrator is the exclusive owner of mission records. Events are
// collected while the lock is held and published once it is released, so
// handlers may call back into the orchestrator.
type Orchestrator struct {
	mu       sync.Mutex
	missions map[string]model.Mission
	order    []string
	timers   map[string]*legTimer

	// Robot snapshots as last seen on robot.updated, in first-seen order.
	robots     map[string]model.Robot
	robotOrder []string
	// owner maps a robot to the non-terminal mission it was assigned.
	owner map[string]string

	stats statsTracker

	bus         *eventbus.Bus
	opts        Options
	rand        Rand
	clock       timectrl.Clock
	log         logging.Logger
	metrics     MetricsRecorder
	unsubscribe func()
}

// New constructs an orchestrator and subscribes it to robot.updated on bus.
func New(bus *eventbus.Bus, opts ...Option) (*Orchestrator, error) {
	if bus == nil {
		bus = eventbus.New()
	}
	o := &Orchestrator{
		missions: make(map[string]model.Mission),
		timers:   make(map[string]*legTimer),
		robots:   make(map[string]model.Robot),
		owner:    make(map[string]string),
		bus:      bus,
		opts:     DefaultOptions(),
		clock:    timectrl.WallClock{},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if err := o.opts.Validate(); err != nil {
		return nil, err
	}
	if o.rand == nil {
		o.rand = defaultRand()
	}
	o.unsubscribe = eventbus.On(bus, events.RobotUpdated, o.OnRobotUpdated)
	return o, nil
}

// Close detaches the orchestrator from the bus.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// Options returns the progression options in effect.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// CreateMission registers a new pending mission and, with auto-assign on,
// immediately tries to hand it to a robot.
func (o *Orchestrator) CreateMission() model.Mission {
	o.mu.Lock()
	now := o.clock.Now()
	m := model.Mission{
		ID:        model.NewID(),
		Status:    model.MissionPending,
		CreatedAt: now,
		UpdatedAt: now,
		History:   []model.HistoryEntry{{Status: model.MissionPending, At: now}},
	}
	o.missions[m.ID] = m
	o.order = append(o.order, m.ID)
	out := outbox{o.created(m)}
	out = o.refreshStatsLocked(out)
	o.mu.Unlock()

	o.log.Info(context.Background(), "mission created", logging.String("mission_id", m.ID))
	out.flush()

	if o.opts.AutoAssign {
		o.TryAssign()
	}
	return o.mustGet(m.ID)
}

// CancelMission cancels a non-terminal mission. Canceling a terminal
// mission is a no-op that returns it unchanged.
func (o *Orchestrator) CancelMission(id string, reason model.CancelReason) (model.Mission, error) {
	return o.finish(id, model.MissionCanceled, reason)
}

// FailMission fails a non-terminal mission. Failing a terminal mission is a
// no-op that returns it unchanged.
func (o *Orchestrator) FailMission(id string, reason model.CancelReason) (model.Mission, error) {
	return o.finish(id, model.MissionFailed, reason)
}

func (o *Orchestrator) finish(id string, to model.MissionStatus, reason model.CancelReason) (model.Mission, error) {
	if err := model.ValidateID(id); err != nil {
		return model.Mission{}, err
	}
	if reason == "" {
		reason = model.ReasonUser
	}
	if !reason.Valid() {
		return model.Mission{}, fmt.Errorf("%w %q", model.ErrInvalidReason, reason)
	}

	o.mu.Lock()
	m, ok := o.missions[id]
	if !ok {
		o.mu.Unlock()
		return model.Mission{}, fmt.Errorf("mission %s: %w", id, model.ErrNotFound)
	}
	if m.Status.Terminal() {
		o.mu.Unlock()
		return m.Clone(), nil
	}
	m, out := o.transitionLocked(nil, m, to, reason)
	o.mu.Unlock()

	out.flush()
	return m.Clone(), nil
}

// GetMission returns the mission with the given id.
func (o *Orchestrator) GetMission(id string) (model.Mission, error) {
	if err := model.ValidateID(id); err != nil {
		return model.Mission{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.missions[id]
	if !ok {
		return model.Mission{}, fmt.Errorf("mission %s: %w", id, model.ErrNotFound)
	}
	return m.Clone(), nil
}

// ListMissions returns missions matching filter in creation order.
func (o *Orchestrator) ListMissions(filter model.MissionFilter) []model.Mission {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Mission, 0, len(o.order))
	for _, id := range o.order {
		if m := o.missions[id]; filter.Match(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Stats returns the current mission tally.
func (o *Orchestrator) Stats() model.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats.last
}

// TryAssign pairs the oldest pending missions with eligible robots in robot
// snapshot order. Without GreedyAssign at most one mission is assigned per
// call. It returns the missions it assigned.
func (o *Orchestrator) TryAssign() []model.Mission {
	o.mu.Lock()
	var (
		out      outbox
		assigned []model.Mission
		claimed  = make(map[string]bool)
	)
	for _, id := range o.order {
		m := o.missions[id]
		if m.Status != model.MissionPending {
			continue
		}
		robotID, ok := o.pickRobotLocked(claimed)
		if !ok {
			break
		}
		claimed[robotID] = true
		rid := robotID
		m.RobotID = &rid
		o.owner[robotID] = m.ID
		m, out = o.transitionLocked(out, m, model.MissionAssigned, "")
		assigned = append(assigned, m.Clone())
		if !o.opts.GreedyAssign {
			break
		}
	}
	o.mu.Unlock()

	for _, m := range assigned {
		o.log.Info(context.Background(), "mission assigned",
			logging.String("mission_id", m.ID),
			logging.String("robot_id", m.Robot()),
		)
	}
	out.flush()
	return assigned
}

// Tick advances every assigned mission by one step in creation order, then
// runs an assignment pass when auto-assign is on.
func (o *Orchestrator) Tick() {
	o.mu.Lock()
	var out outbox
	for _, id := range o.order {
		m := o.missions[id]
		if m.RobotID == nil || m.Status.Terminal() {
			continue
		}
		switch m.Status {
		case model.MissionAssigned:
			m, out = o.transitionLocked(out, m, model.MissionEnRoute, "")
			o.timers[id] = &legTimer{leg: model.MissionEnRoute, left: o.opts.Legs.EnRoute - 1}

		case model.MissionEnRoute:
			if o.rand.Float64() < o.opts.BlockedPathRate {
				_, out = o.transitionLocked(out, m, model.MissionFailed, model.ReasonBlockedPath)
				continue
			}
			t := o.timerLocked(id, model.MissionEnRoute, o.opts.Legs.EnRoute)
			t.left--
			if t.left <= 0 {
				_, out = o.transitionLocked(out, m, model.MissionDelivering, "")
				o.timers[id] = &legTimer{leg: model.MissionDelivering, left: o.opts.Legs.Delivering}
			}

		case model.MissionDelivering:
			t := o.timerLocked(id, model.MissionDelivering, o.opts.Legs.Delivering)
			t.left--
			if t.left <= 0 {
				_, out = o.transitionLocked(out, m, model.MissionCompleted, "")
			}
		}
	}
	o.mu.Unlock()
	out.flush()

	if o.opts.AutoAssign {
		o.TryAssign()
	}
}

// OnRobotUpdated refreshes the robot snapshot cache and fails the mission
// the robot was carrying when the robot reports it can no longer deliver:
// returning to base below the low-battery threshold fails it with battery,
// entering maintenance fails it with hardware.
func (o *Orchestrator) OnRobotUpdated(r model.Robot) {
	o.mu.Lock()
	if _, seen := o.robots[r.ID]; !seen {
		o.robotOrder = append(o.robotOrder, r.ID)
	}
	o.robots[r.ID] = r.Clone()

	// The robot may already have dropped its binding by the time it
	// reports, so fall back to the mission it was assigned.
	missionID := r.MissionID()
	if missionID == "" {
		missionID = o.owner[r.ID]
	}
	m, ok := o.missions[missionID]
	if !ok || m.Status.Terminal() || m.Robot() != r.ID {
		o.mu.Unlock()
		return
	}

	var reason model.CancelReason
	switch {
	case r.Status == model.RobotReturningToBase && r.BatteryPct < registry.BatteryLowThreshold:
		reason = model.ReasonBattery
	case r.Status == model.RobotMaintenance:
		reason = model.ReasonHardware
	default:
		o.mu.Unlock()
		return
	}
	_, out := o.transitionLocked(nil, m, model.MissionFailed, reason)
	o.mu.Unlock()

	o.log.Warn(context.Background(), "mission failed by robot report",
		logging.String("mission_id", m.ID),
		logging.String("robot_id", r.ID),
		logging.String("reason", string(reason)),
	)
	out.flush()
}

// pickRobotLocked returns the first robot in snapshot order that is
// eligible, not claimed in this pass and not carrying another mission.
func (o *Orchestrator) pickRobotLocked(claimed map[string]bool) (string, bool) {
	for _, id := range o.robotOrder {
		if claimed[id] {
			continue
		}
		if _, busy := o.owner[id]; busy {
			continue
		}
		if o.robots[id].Eligible() {
			return id, true
		}
	}
	return "", false
}

func (o *Orchestrator) timerLocked(id string, leg model.MissionStatus, ticks int) *legTimer {
	t, ok := o.timers[id]
	if !ok || t.leg != leg {
		t = &legTimer{leg: leg, left: ticks}
		o.timers[id] = t
	}
	return t
}

// transitionLocked commits m in status to, appends the history entry and
// queues the resulting events. A non-empty reason is recorded as the cancel
// reason and history note.
func (o *Orchestrator) transitionLocked(out outbox, m model.Mission, to model.MissionStatus, reason model.CancelReason) (model.Mission, outbox) {
	from := m.Status
	m = m.Clone()
	at := o.clock.Now()
	if last := m.History[len(m.History)-1].At; !at.After(last) {
		at = last.Add(time.Nanosecond)
	}
	entry := model.HistoryEntry{Status: to, At: at}
	if reason != "" {
		r := reason
		m.CancelReason = &r
		entry.Note = string(reason)
	}
	m.Status = to
	m.UpdatedAt = at
	m.History = append(m.History, entry)
	o.missions[m.ID] = m

	if to.Terminal() {
		delete(o.timers, m.ID)
		if rid := m.Robot(); rid != "" && o.owner[rid] == m.ID {
			delete(o.owner, rid)
		}
	}
	if o.metrics != nil {
		o.metrics.MissionTransitioned(from, to)
	}
	o.log.Debug(context.Background(), "mission transitioned",
		logging.String("mission_id", m.ID),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
	)

	out = append(out, o.updated(m))
	return m, o.refreshStatsLocked(out)
}

func (o *Orchestrator) refreshStatsLocked(out outbox) outbox {
	next := ComputeStats(o.missions)
	if !o.stats.observe(next) {
		return out
	}
	if o.metrics != nil {
		o.metrics.StatsChanged(next)
	}
	return append(out, func() { eventbus.Emit(o.bus, events.StatsUpdated, next) })
}

func (o *Orchestrator) created(m model.Mission) func() {
	snap := m.Clone()
	return func() { eventbus.Emit(o.bus, events.MissionCreated, snap) }
}

func (o *Orchestrator) updated(m model.Mission) func() {
	snap := m.Clone()
	return func() { eventbus.Emit(o.bus, events.MissionUpdated, snap) }
}

func (o *Orchestrator) mustGet(id string) model.Mission {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.missions[id].Clone()
}

// outbox holds publications deferred until the mission lock is released.
type outbox []func()

func (b outbox) flush() {
	for _, emit := range b {
		emit()
	}
}
