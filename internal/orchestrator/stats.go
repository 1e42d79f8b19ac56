package orchestrator

import "github.com/signalsfoundry/fleet-simulator/model"

// ComputeStats derives the mission tally from a mission set.
func ComputeStats(missions map[string]model.Mission) model.Stats {
	var s model.Stats
	for _, m := range missions {
		switch {
		case m.Status == model.MissionCompleted:
			s.Completed++
		case m.Status == model.MissionFailed:
			s.Failed++
		case m.Active():
			s.Active++
		}
	}
	return s
}

// statsTracker remembers the last published tally so an unchanged tally is
// never republished.
type statsTracker struct {
	last model.Stats
}

// observe records next and reports whether it differs from the last value.
func (t *statsTracker) observe(next model.Stats) bool {
	if next == t.last {
		return false
	}
	t.last = next
	return true
}
