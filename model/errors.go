package model

import "errors"

var (
	// ErrNotFound indicates an unknown mission or robot id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a lifecycle call whose precondition
	// status was not met. The call had no side effect.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotEligible indicates an assignment to a robot that cannot take
	// a mission in its current state.
	ErrNotEligible = errors.New("robot not eligible for assignment")
	// ErrInvalidID indicates a malformed mission or robot identifier.
	ErrInvalidID = errors.New("invalid id")
	// ErrInvalidRobot indicates an upserted robot failed validation.
	ErrInvalidRobot = errors.New("invalid robot")
	// ErrInvalidReason indicates an unknown cancel reason.
	ErrInvalidReason = errors.New("invalid cancel reason")
)
