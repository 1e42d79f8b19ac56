// Package events declares the fleet event contracts carried on the bus.
// Every payload is a full snapshot of the affected entity, never a diff.
package events

import (
	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/model"
)

var (
	RobotUpdated   = eventbus.NewTopic[model.Robot]("robot.updated")
	MissionCreated = eventbus.NewTopic[model.Mission]("mission.created")
	MissionUpdated = eventbus.NewTopic[model.Mission]("mission.updated")
	StatsUpdated   = eventbus.NewTopic[model.Stats]("stats.updated")
)

// All lists every fleet event name, in the order external mirrors subscribe.
func All() []string {
	return []string{
		RobotUpdated.Name(),
		MissionCreated.Name(),
		MissionUpdated.Name(),
		StatsUpdated.Name(),
	}
}
