package sim

import (
	"context"
	"errors"

	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/internal/events"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/orchestrator"
	"github.com/signalsfoundry/fleet-simulator/internal/registry"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// actuator drives the robot side of every mission transition. It listens to
// mission.updated and issues the matching registry lifecycle call, so the
// two state machines stay coupled only through the bus.
type actuator struct {
	robots      *registry.Registry
	missions    *orchestrator.Orchestrator
	log         logging.Logger
	unsubscribe func()
}

func newActuator(bus *eventbus.Bus, robots *registry.Registry, missions *orchestrator.Orchestrator, log logging.Logger) *actuator {
	a := &actuator{robots: robots, missions: missions, log: log}
	a.unsubscribe = eventbus.On(bus, events.MissionUpdated, a.onMissionUpdated)
	return a
}

func (a *actuator) close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
}

func (a *actuator) onMissionUpdated(m model.Mission) {
	robotID := m.Robot()
	if robotID == "" {
		return
	}

	var err error
	switch m.Status {
	case model.MissionAssigned:
		_, err = a.robots.Assign(robotID, m.ID)
		if err != nil {
			// The robot changed under the orchestrator's cached snapshot.
			a.reject(m, err)
			if _, ferr := a.missions.FailMission(m.ID, model.ReasonSystem); ferr != nil {
				a.reject(m, ferr)
			}
			return
		}
	case model.MissionEnRoute:
		_, err = a.robots.StartEnRoute(robotID)
	case model.MissionDelivering:
		_, err = a.robots.StartDelivering(robotID)
	case model.MissionCompleted:
		_, err = a.robots.CompleteMission(robotID)
	case model.MissionCanceled, model.MissionFailed:
		err = a.release(robotID, m)
	}
	if err != nil {
		a.reject(m, err)
	}
}

// release sends the robot back to base when it is still bound to m.
func (a *actuator) release(robotID string, m model.Mission) error {
	r, err := a.robots.Get(robotID)
	if err != nil {
		return err
	}
	if r.MissionID() != m.ID {
		return nil
	}
	reason := model.ReasonUser
	if m.CancelReason != nil {
		reason = *m.CancelReason
	}
	_, err = a.robots.Cancel(robotID, reason)
	return err
}

func (a *actuator) reject(m model.Mission, err error) {
	level := a.log.Warn
	if errors.Is(err, model.ErrInvalidTransition) {
		level = a.log.Debug
	}
	level(context.Background(), "robot actuation rejected",
		logging.String("mission_id", m.ID),
		logging.String("robot_id", m.Robot()),
		logging.String("mission_status", string(m.Status)),
		logging.Err(err),
	)
}
