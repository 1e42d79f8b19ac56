// Package feeder creates demo missions on a cron schedule so a fresh fleet
// has work to do without an external client.
package feeder

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/model"
)

// DefaultSchedule creates one mission every five seconds.
const DefaultSchedule = "@every 5s"

// Creator is the engine call the feeder drives.
type Creator interface {
	CreateMission(ctx context.Context) model.Mission
}

// Feeder owns the cron runner.
type Feeder struct {
	creator  Creator
	schedule string
	cron     *cron.Cron
	log      logging.Logger
	created  atomic.Int64
	ctx      atomic.Pointer[context.Context]
}

// New parses schedule (standard five-field cron or a descriptor such as
// "@every 5s") and prepares the job. Nothing runs until Run.
func New(creator Creator, schedule string, log logging.Logger) (*Feeder, error) {
	if log == nil {
		log = logging.Noop()
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	f := &Feeder{
		creator:  creator,
		schedule: schedule,
		log:      log.With(logging.String("component", "feeder")),
	}
	adapter := cronLogger{log: f.log}
	f.cron = cron.New(
		cron.WithLogger(adapter),
		cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
	)
	if _, err := f.cron.AddFunc(schedule, f.fire); err != nil {
		return nil, fmt.Errorf("feeder schedule %q: %w", schedule, err)
	}
	return f, nil
}

// Run starts the schedule and blocks until ctx is done and any running job
// has returned.
func (f *Feeder) Run(ctx context.Context) error {
	f.ctx.Store(&ctx)
	f.log.Info(ctx, "mission feeder started", logging.String("schedule", f.schedule))
	f.cron.Start()
	<-ctx.Done()
	<-f.cron.Stop().Done()
	f.log.Info(context.Background(), "mission feeder stopped", logging.Int("created", int(f.Created())))
	return nil
}

// Created reports how many missions the feeder has created.
func (f *Feeder) Created() int64 { return f.created.Load() }

func (f *Feeder) fire() {
	ctx := context.Background()
	if p := f.ctx.Load(); p != nil {
		ctx = *p
	}
	m := f.creator.CreateMission(ctx)
	f.created.Add(1)
	f.log.Debug(ctx, "feeder created mission", logging.String("mission_id", m.ID))
}

// cronLogger routes cron's own logging through the fleet logger.
type cronLogger struct {
	log logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug(context.Background(), msg, fields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error(context.Background(), msg, append(fields(keysAndValues), logging.Err(err))...)
}

func fields(kv []any) []logging.Field {
	out := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logging.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
