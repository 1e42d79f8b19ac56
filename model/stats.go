package model

// Stats is the derived mission tally. It is never mutated on its own; it is
// recomputed from the mission set after every mission change.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Active    int `json:"active"`
}
