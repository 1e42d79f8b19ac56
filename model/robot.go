package model

import "time"

// RobotStatus is the operational state of a delivery robot.
type RobotStatus string

const (
	RobotIdle            RobotStatus = "idle"
	RobotAssigned        RobotStatus = "assigned"
	RobotEnRoute         RobotStatus = "en_route"
	RobotDelivering      RobotStatus = "delivering"
	RobotReturningToBase RobotStatus = "returning_to_base"
	RobotCharging        RobotStatus = "charging"
	RobotMaintenance     RobotStatus = "maintenance"
	RobotFailed          RobotStatus = "failed"
)

// RobotStatuses lists every robot status in declaration order.
var RobotStatuses = []RobotStatus{
	RobotIdle,
	RobotAssigned,
	RobotEnRoute,
	RobotDelivering,
	RobotReturningToBase,
	RobotCharging,
	RobotMaintenance,
	RobotFailed,
}

// Valid reports whether s is a known robot status.
func (s RobotStatus) Valid() bool {
	for _, known := range RobotStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Bound reports whether a robot in this status may carry a mission.
func (s RobotStatus) Bound() bool {
	return s == RobotAssigned || s == RobotEnRoute || s == RobotDelivering
}

// Moving reports whether the status drains the battery at the movement rate.
func (s RobotStatus) Moving() bool {
	return s == RobotEnRoute || s == RobotDelivering || s == RobotReturningToBase
}

// ActiveLeg reports whether the robot is somewhere between assignment and
// arriving back at base. Low battery in an active leg forces a return.
func (s RobotStatus) ActiveLeg() bool {
	return s == RobotAssigned || s.Moving()
}

// RobotError is the last fault a robot reported.
type RobotError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Robot is a snapshot of one delivery robot. Robots are values: every
// transition produces a new snapshot and the registry keeps the latest one.
type Robot struct {
	ID               string      `json:"id"`
	Status           RobotStatus `json:"status"`
	BatteryPct       float64     `json:"batteryPct"`
	CurrentMissionID *string     `json:"currentMissionId"`
	Reassignable     bool        `json:"reassignable"`
	LastError        *RobotError `json:"lastError"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Eligible reports whether the robot can take a new mission right now.
func (r Robot) Eligible() bool {
	return r.Status == RobotIdle || (r.Status == RobotReturningToBase && r.Reassignable)
}

// MissionID returns the bound mission id or "" when the robot is unbound.
func (r Robot) MissionID() string {
	if r.CurrentMissionID == nil {
		return ""
	}
	return *r.CurrentMissionID
}

// Clone returns a deep copy so callers can never alias registry state.
func (r Robot) Clone() Robot {
	out := r
	if r.CurrentMissionID != nil {
		id := *r.CurrentMissionID
		out.CurrentMissionID = &id
	}
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	return out
}

// RobotFilter narrows a robot listing. Zero fields match everything.
type RobotFilter struct {
	Status       RobotStatus
	Reassignable *bool
}

// Match reports whether r satisfies the filter.
func (f RobotFilter) Match(r Robot) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Reassignable != nil && r.Reassignable != *f.Reassignable {
		return false
	}
	return true
}
