package orchestrator

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/internal/events"
	"github.com/signalsfoundry/fleet-simulator/model"
)

const (
	opCreate = iota
	opTick
	opCancelOldest
	opRobotLowBattery
	opRobotIdle
	opCount
)

// TestMissionInvariantsUnderRandomOps drives an orchestrator with random
// operation sequences and checks the mission invariants after every run.
func TestMissionInvariantsUnderRandomOps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("history, stats and terminal states stay consistent", prop.ForAll(
		func(ops []int, rate float64, greedy bool) bool {
			bus := eventbus.New()
			var published []model.Stats
			eventbus.On(bus, events.StatsUpdated, func(s model.Stats) { published = append(published, s) })

			opts := DefaultOptions()
			opts.BlockedPathRate = rate
			opts.GreedyAssign = greedy
			o, err := New(bus, WithOptions(opts), WithRand(NewRand(7)), WithClock(frozenClock()))
			if err != nil {
				return false
			}
			defer o.Close()
			announce(bus, robotA, model.RobotIdle, 100)
			announce(bus, robotB, model.RobotIdle, 100)

			terminal := make(map[string]model.Mission)
			for _, op := range ops {
				switch op {
				case opCreate:
					o.CreateMission()
				case opTick:
					o.Tick()
				case opCancelOldest:
					if all := o.ListMissions(model.MissionFilter{}); len(all) > 0 {
						if _, err := o.CancelMission(all[0].ID, model.ReasonUser); err != nil {
							return false
						}
					}
				case opRobotLowBattery:
					eventbus.Emit(bus, events.RobotUpdated, model.Robot{ID: robotA, Status: model.RobotReturningToBase, BatteryPct: 5})
				case opRobotIdle:
					announce(bus, robotA, model.RobotIdle, 100)
				}

				for _, m := range o.ListMissions(model.MissionFilter{}) {
					if prev, ok := terminal[m.ID]; ok {
						if m.Status != prev.Status || len(m.History) != len(prev.History) {
							return false
						}
					}
					if m.Status.Terminal() {
						terminal[m.ID] = m
					}
				}
			}

			missions := make(map[string]model.Mission)
			for _, m := range o.ListMissions(model.MissionFilter{}) {
				missions[m.ID] = m
				if m.History[len(m.History)-1].Status != m.Status {
					return false
				}
				for i := 1; i < len(m.History); i++ {
					if !m.History[i].At.After(m.History[i-1].At) {
						return false
					}
				}
				if m.Status != model.MissionPending && m.RobotID == nil && m.Status != model.MissionCanceled {
					return false
				}
			}
			want := ComputeStats(missions)
			if o.Stats() != want {
				return false
			}
			for i := 1; i < len(published); i++ {
				if published[i] == published[i-1] {
					return false
				}
			}
			return len(published) == 0 || published[len(published)-1] == want
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
		gen.Float64Range(0, 0.5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
