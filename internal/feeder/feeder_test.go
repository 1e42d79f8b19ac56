package feeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/model"
)

type countingCreator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCreator) CreateMission(context.Context) model.Mission {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return model.Mission{ID: model.NewID(), Status: model.MissionPending}
}

func (c *countingCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(&countingCreator{}, "every now and then", nil); err == nil {
		t.Fatalf("expected an error for an unparsable schedule")
	}
}

func TestNewDefaultsSchedule(t *testing.T) {
	f, err := New(&countingCreator{}, "", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.schedule != DefaultSchedule {
		t.Fatalf("schedule = %q, want %q", f.schedule, DefaultSchedule)
	}
}

func TestFireCreatesMission(t *testing.T) {
	creator := &countingCreator{}
	f, err := New(creator, DefaultSchedule, logging.Noop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.fire()
	f.fire()
	if creator.count() != 2 || f.Created() != 2 {
		t.Fatalf("calls=%d created=%d, want 2 and 2", creator.count(), f.Created())
	}
}

func TestRunCreatesOnScheduleUntilCancelled(t *testing.T) {
	creator := &countingCreator{}
	f, err := New(creator, "@every 1s", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for creator.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if creator.count() == 0 {
		t.Fatalf("expected at least one mission within the deadline")
	}

	stopped := creator.count()
	time.Sleep(1200 * time.Millisecond)
	if creator.count() != stopped {
		t.Fatalf("feeder kept creating after Run returned")
	}
}

type panickyCreator struct{}

func (panickyCreator) CreateMission(context.Context) model.Mission {
	panic(errors.New("engine gone"))
}

func TestJobPanicIsRecovered(t *testing.T) {
	f, err := New(panickyCreator{}, "@every 1s", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	if err := f.Run(ctx); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if f.Created() != 0 {
		t.Fatalf("created = %d, want 0", f.Created())
	}
}
