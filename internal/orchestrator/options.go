package orchestrator

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// Legs holds the duration of each movement leg, in ticks.
type Legs struct {
	EnRoute    int
	Delivering int
}

// Options tune mission progression.
type Options struct {
	// AutoAssign attempts assignment on every creation and at the end of
	// every tick.
	AutoAssign bool
	// GreedyAssign keeps assigning within one call until no pending
	// mission or eligible robot remains. When false, at most one mission is
	// assigned per call.
	GreedyAssign bool
	// BlockedPathRate is the per-tick probability that an en-route mission
	// fails with blocked_path.
	BlockedPathRate float64
	Legs            Legs
}

// DefaultOptions mirrors the stock simulation: auto-assign on, 2% blocked
// path rate, 4 ticks en route and 3 delivering.
func DefaultOptions() Options {
	return Options{
		AutoAssign:      true,
		BlockedPathRate: 0.02,
		Legs:            Legs{EnRoute: 4, Delivering: 3},
	}
}

// Validate rejects options the state machine cannot run with.
func (o Options) Validate() error {
	if o.BlockedPathRate < 0 || o.BlockedPathRate > 1 {
		return fmt.Errorf("blocked path rate %v outside [0,1]", o.BlockedPathRate)
	}
	if o.Legs.EnRoute < 1 || o.Legs.Delivering < 1 {
		return fmt.Errorf("legs must last at least one tick, got %+v", o.Legs)
	}
	return nil
}

// Rand is the random source for failure injection.
type Rand interface {
	Float64() float64
}

// NewRand returns a deterministic source seeded with seed.
func NewRand(seed uint64) Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// MetricsRecorder receives mission transitions and tally changes.
type MetricsRecorder interface {
	MissionTransitioned(from, to model.MissionStatus)
	StatsChanged(s model.Stats)
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithOptions replaces the progression options.
func WithOptions(opts Options) Option {
	return func(o *Orchestrator) { o.opts = opts }
}

// WithRand sets the failure-injection source.
func WithRand(r Rand) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rand = r
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c timectrl.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetricsRecorder attaches a recorder for transitions and tallies.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func defaultRand() Rand {
	return NewRand(uint64(time.Now().UnixNano()))
}
