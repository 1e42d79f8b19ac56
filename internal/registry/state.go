package registry

import (
	"math"
	"time"

	"github.com/signalsfoundry/fleet-simulator/model"
)

const (
	// BatteryLowThreshold is the charge below which a robot in an active
	// leg abandons its mission and returns to base.
	BatteryLowThreshold = 10.0
	// ChargeResumeThreshold is the charge at which a charging robot is
	// released back to idle; a returning robot below it starts charging.
	ChargeResumeThreshold = 80.0
)

// BatteryModel holds the per-second battery rates, in percentage points.
type BatteryModel struct {
	MoveDrainPerSec float64
	IdleDrainPerSec float64
	ChargePerSec    float64
}

// DefaultBatteryModel drains about 8% per 100s of motion and charges
// 45% to 80% in roughly 70s.
func DefaultBatteryModel() BatteryModel {
	return BatteryModel{
		MoveDrainPerSec: 0.08,
		IdleDrainPerSec: 0,
		ChargePerSec:    0.5,
	}
}

// TickOptions parameterise one battery/physics step.
type TickOptions struct {
	DtSec    float64
	Movement bool
}

// ClampBattery bounds pct to [0,100] and rounds it to three decimals.
func ClampBattery(pct float64) float64 {
	switch {
	case math.IsNaN(pct), pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return math.Round(pct*1000) / 1000
}

// applyCancelSemantics sends the robot home and unbinds its mission. Battery
// and hardware reasons leave the robot non-reassignable.
func applyCancelSemantics(r model.Robot, reason model.CancelReason) model.Robot {
	r.Status = model.RobotReturningToBase
	r.CurrentMissionID = nil
	r.Reassignable = !reason.Hard()
	if reason == model.ReasonUser {
		r.LastError = nil
	} else {
		r.LastError = &model.RobotError{Code: string(reason), Message: string(reason)}
	}
	return r
}

func toIdle(r model.Robot) model.Robot {
	r.Status = model.RobotIdle
	r.Reassignable = true
	return r
}

func toCharging(r model.Robot) model.Robot {
	r.Status = model.RobotCharging
	r.Reassignable = false
	return r
}

// advance applies one tick of battery physics and the threshold-driven
// transitions. The order of the steps is significant.
func advance(start model.Robot, battery BatteryModel, opts TickOptions) model.Robot {
	r := start.Clone()
	dt := opts.DtSec
	if dt < 0 || math.IsNaN(dt) {
		dt = 0
	}

	if start.Status == model.RobotCharging {
		r.BatteryPct = ClampBattery(r.BatteryPct + battery.ChargePerSec*dt)
	} else {
		drain := battery.IdleDrainPerSec
		if opts.Movement && start.Status.Moving() {
			drain = battery.MoveDrainPerSec
		}
		r.BatteryPct = ClampBattery(r.BatteryPct - drain*dt)
	}

	// Applies to a robot already returning for another reason as well.
	if r.Status.ActiveLeg() && r.BatteryPct < BatteryLowThreshold {
		r = applyCancelSemantics(r, model.ReasonBattery)
	}

	// Only a robot that began the tick returning may start charging, so a
	// low-battery abort above never jumps straight to charging.
	if start.Status == model.RobotReturningToBase &&
		r.Status == model.RobotReturningToBase &&
		r.BatteryPct < ChargeResumeThreshold {
		r = toCharging(r)
	}

	if r.Status == model.RobotCharging && r.BatteryPct >= ChargeResumeThreshold {
		r = toIdle(r)
	}
	return r
}

// sameState reports whether two snapshots differ only in their timestamp.
func sameState(a, b model.Robot) bool {
	if a.Status != b.Status || a.BatteryPct != b.BatteryPct || a.Reassignable != b.Reassignable {
		return false
	}
	if a.MissionID() != b.MissionID() {
		return false
	}
	switch {
	case a.LastError == nil && b.LastError == nil:
		return true
	case a.LastError == nil || b.LastError == nil:
		return false
	}
	return *a.LastError == *b.LastError
}

// later returns the later of now and prev so UpdatedAt never goes backwards.
func later(now, prev time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}
