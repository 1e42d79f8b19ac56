package model

import "time"

// MissionStatus is the lifecycle state of a delivery mission.
type MissionStatus string

const (
	MissionPending    MissionStatus = "pending"
	MissionAssigned   MissionStatus = "assigned"
	MissionEnRoute    MissionStatus = "en_route"
	MissionDelivering MissionStatus = "delivering"
	MissionCompleted  MissionStatus = "completed"
	MissionFailed     MissionStatus = "failed"
	MissionCanceled   MissionStatus = "canceled"
)

// MissionStatuses lists every mission status in lifecycle order.
var MissionStatuses = []MissionStatus{
	MissionPending,
	MissionAssigned,
	MissionEnRoute,
	MissionDelivering,
	MissionCompleted,
	MissionFailed,
	MissionCanceled,
}

// Valid reports whether s is a known mission status.
func (s MissionStatus) Valid() bool {
	for _, known := range MissionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are accepted.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed || s == MissionCanceled
}

// CancelReason explains why a mission was canceled or failed, and why a
// robot was sent back to base.
type CancelReason string

const (
	ReasonUser        CancelReason = "user"
	ReasonBattery     CancelReason = "battery"
	ReasonHardware    CancelReason = "hardware"
	ReasonBlockedPath CancelReason = "blocked_path"
	ReasonSystem      CancelReason = "system"
)

// Valid reports whether r is a known cancel reason.
func (r CancelReason) Valid() bool {
	switch r {
	case ReasonUser, ReasonBattery, ReasonHardware, ReasonBlockedPath, ReasonSystem:
		return true
	}
	return false
}

// Hard reports whether the reason leaves the robot unfit for immediate reuse.
func (r CancelReason) Hard() bool {
	return r == ReasonBattery || r == ReasonHardware
}

// HistoryEntry records one status change of a mission.
type HistoryEntry struct {
	Status MissionStatus `json:"status"`
	At     time.Time     `json:"at"`
	Note   string        `json:"note,omitempty"`
}

// Mission is a snapshot of a delivery mission. History is append-only and
// its last entry always carries the current status.
type Mission struct {
	ID           string         `json:"id"`
	RobotID      *string        `json:"robotId"`
	Status       MissionStatus  `json:"status"`
	CancelReason *CancelReason  `json:"cancelReason"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	History      []HistoryEntry `json:"history"`
}

// Robot returns the assigned robot id or "" when none was ever assigned.
func (m Mission) Robot() string {
	if m.RobotID == nil {
		return ""
	}
	return *m.RobotID
}

// Active reports whether the mission counts toward Stats.Active.
func (m Mission) Active() bool {
	switch m.Status {
	case MissionPending, MissionAssigned, MissionEnRoute, MissionDelivering:
		return true
	}
	return false
}

// Clone returns a deep copy, including the history slice.
func (m Mission) Clone() Mission {
	out := m
	if m.RobotID != nil {
		id := *m.RobotID
		out.RobotID = &id
	}
	if m.CancelReason != nil {
		r := *m.CancelReason
		out.CancelReason = &r
	}
	out.History = append([]HistoryEntry(nil), m.History...)
	return out
}

// MissionFilter narrows a mission listing. A zero filter matches everything.
type MissionFilter struct {
	Status MissionStatus
}

// Match reports whether m satisfies the filter.
func (f MissionFilter) Match(m Mission) bool {
	return f.Status == "" || m.Status == f.Status
}
