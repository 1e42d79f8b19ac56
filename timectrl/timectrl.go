package timectrl

import (
	"slices"
	"sync"
	"time"
)

// Clock reports the current time. Engine components stamp entities with it
// so tests can substitute a deterministic source.
type Clock interface {
	Now() time.Time
}

// WallClock is the real UTC clock.
type WallClock struct{}

// Now returns time.Now in UTC.
func (WallClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime fires one tick per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated fires ticks back to back, still advancing by Tick each time.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// TimeController is the periodic driver of the simulation. Each tick runs
// every listener to completion before the next tick is scheduled.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	ticks       uint64

	listeners []func(time.Time)

	stop chan struct{}
	done chan struct{}
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves simulation time without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// Ticks returns how many ticks have fired so far.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Running reports whether the driver goroutine is active.
func (tc *TimeController) Running() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.done != nil
}

// Step advances simulation time by one Tick and runs the listeners on the
// caller's goroutine.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.ticks++
	simTime := tc.currentTime
	listeners := slices.Clone(tc.listeners)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(simTime)
	}
	return simTime
}

// Start runs the controller in a separate goroutine until duration of
// simulation time has elapsed (zero means forever) or Stop is called. It
// returns a channel that is closed when the driver exits. Calling Start on a
// running controller returns the existing channel.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	tc.mu.Lock()
	if tc.done != nil {
		done := tc.done
		tc.mu.Unlock()
		return done
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	tc.stop = stop
	tc.done = done
	tc.mu.Unlock()

	go tc.run(duration, stop, done)
	return done
}

// Stop halts the driver and waits for an in-flight tick to finish. It is
// safe to call repeatedly and before Start. It must not be called from a
// listener.
func (tc *TimeController) Stop() {
	tc.mu.Lock()
	stop, done := tc.stop, tc.done
	tc.stop = nil
	tc.mu.Unlock()

	if stop == nil {
		if done != nil {
			<-done
		}
		return
	}
	close(stop)
	<-done
}

func (tc *TimeController) run(duration time.Duration, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		tc.mu.Lock()
		if tc.done == done {
			tc.done = nil
			tc.stop = nil
		}
		tc.mu.Unlock()
		close(done)
	}()

	var tickC <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		tickC = ticker.C
	}

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return
		}

		if tickC != nil {
			select {
			case <-stop:
				return
			case <-tickC:
			}
		} else {
			select {
			case <-stop:
				return
			default:
			}
		}

		tc.Step()
		elapsed += tc.Tick
	}
}
