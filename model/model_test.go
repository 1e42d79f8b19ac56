package model

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{NewID(), false},
		{"11111111-1111-1111-1111-111111111111", false},
		{"", true},
		{"42", true},
		{"11111111-1111-1111-1111-11111111111Z", true},
		{"11111111-1111-1111-1111-111111111111 ", true},
		{"AAAAAAAA-1111-1111-1111-111111111111", true},
		{"{11111111-1111-1111-1111-111111111111}", true},
		{"urn:uuid:11111111-1111-1111-1111-111111111111", true},
	}
	for _, tc := range tests {
		err := ValidateID(tc.id)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ValidateID(%q) error = %v, wantErr %v", tc.id, err, tc.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidID) {
			t.Fatalf("ValidateID(%q) error %v does not wrap ErrInvalidID", tc.id, err)
		}
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestRobotEligible(t *testing.T) {
	tests := []struct {
		status       RobotStatus
		reassignable bool
		want         bool
	}{
		{RobotIdle, false, true},
		{RobotIdle, true, true},
		{RobotReturningToBase, true, true},
		{RobotReturningToBase, false, false},
		{RobotAssigned, true, false},
		{RobotEnRoute, true, false},
		{RobotDelivering, true, false},
		{RobotCharging, true, false},
		{RobotMaintenance, true, false},
		{RobotFailed, true, false},
	}
	for _, tc := range tests {
		r := Robot{Status: tc.status, Reassignable: tc.reassignable}
		if got := r.Eligible(); got != tc.want {
			t.Fatalf("Eligible(%s, reassignable=%v) = %v, want %v", tc.status, tc.reassignable, got, tc.want)
		}
	}
}

func TestRobotStatusPredicates(t *testing.T) {
	for _, s := range RobotStatuses {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
		if s.Moving() && !s.ActiveLeg() {
			t.Fatalf("%s moves but is not on an active leg", s)
		}
	}
	if RobotStatus("asleep").Valid() {
		t.Fatalf("unknown status reported valid")
	}
	if !RobotAssigned.Bound() || RobotReturningToBase.Bound() {
		t.Fatalf("Bound: assigned must carry a mission, returning_to_base must not")
	}
	if RobotAssigned.Moving() || !RobotReturningToBase.Moving() {
		t.Fatalf("Moving: assigned is stationary, returning_to_base moves")
	}
}

func TestMissionStatusPredicates(t *testing.T) {
	terminal := map[MissionStatus]bool{MissionCompleted: true, MissionFailed: true, MissionCanceled: true}
	for _, s := range MissionStatuses {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
		if s.Terminal() != terminal[s] {
			t.Fatalf("Terminal(%s) = %v", s, s.Terminal())
		}
		m := Mission{Status: s}
		if m.Active() == s.Terminal() {
			t.Fatalf("Active(%s) = %v, Terminal = %v", s, m.Active(), s.Terminal())
		}
	}
}

func TestCancelReasons(t *testing.T) {
	for _, r := range []CancelReason{ReasonUser, ReasonBattery, ReasonHardware, ReasonBlockedPath, ReasonSystem} {
		if !r.Valid() {
			t.Fatalf("%s should be valid", r)
		}
	}
	if CancelReason("").Valid() || CancelReason("gremlins").Valid() {
		t.Fatalf("unknown reasons reported valid")
	}
	if !ReasonBattery.Hard() || !ReasonHardware.Hard() || ReasonUser.Hard() || ReasonBlockedPath.Hard() {
		t.Fatalf("only battery and hardware leave a robot unfit for reuse")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	missionID := NewID()
	r := Robot{ID: NewID(), CurrentMissionID: &missionID, LastError: &RobotError{Code: "hardware", Message: "lidar"}}
	rc := r.Clone()
	*rc.CurrentMissionID = "changed"
	rc.LastError.Message = "changed"
	if r.MissionID() != missionID || r.LastError.Message != "lidar" {
		t.Fatalf("robot clone aliases the original")
	}

	robotID := NewID()
	reason := ReasonUser
	m := Mission{RobotID: &robotID, CancelReason: &reason, History: []HistoryEntry{{Status: MissionPending}}}
	mc := m.Clone()
	*mc.RobotID = "changed"
	*mc.CancelReason = ReasonSystem
	mc.History[0].Status = MissionFailed
	mc.History = append(mc.History, HistoryEntry{Status: MissionCanceled})
	if m.Robot() != robotID || *m.CancelReason != ReasonUser || m.History[0].Status != MissionPending || len(m.History) != 1 {
		t.Fatalf("mission clone aliases the original")
	}
}

func TestAccessorsOnUnbound(t *testing.T) {
	if (Robot{}).MissionID() != "" {
		t.Fatalf("unbound robot reports a mission")
	}
	if (Mission{}).Robot() != "" {
		t.Fatalf("unassigned mission reports a robot")
	}
}

func TestFilters(t *testing.T) {
	yes := true
	robots := []Robot{
		{ID: "a", Status: RobotIdle, Reassignable: true},
		{ID: "b", Status: RobotCharging},
		{ID: "c", Status: RobotIdle},
	}
	var matched []string
	for _, r := range robots {
		if (RobotFilter{Status: RobotIdle, Reassignable: &yes}).Match(r) {
			matched = append(matched, r.ID)
		}
	}
	if strings.Join(matched, ",") != "a" {
		t.Fatalf("robot filter matched %v, want [a]", matched)
	}
	if !(RobotFilter{}).Match(robots[1]) {
		t.Fatalf("zero robot filter should match everything")
	}

	if !(MissionFilter{}).Match(Mission{Status: MissionFailed}) {
		t.Fatalf("zero mission filter should match everything")
	}
	if (MissionFilter{Status: MissionPending}).Match(Mission{Status: MissionFailed}) {
		t.Fatalf("status filter matched the wrong status")
	}
}
