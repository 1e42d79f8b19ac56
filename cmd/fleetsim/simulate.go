package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/fleet-simulator/internal/eventbus"
	"github.com/signalsfoundry/fleet-simulator/internal/events"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/sim"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

type simulateOptions struct {
	configPath string
	duration   time.Duration
	tick       time.Duration
	missions   int
	seed       uint64
	noColor    bool
}

func newSimulateCmd() *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a headless accelerated simulation and print a per-tick summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := simulate(cmd.Context(), cmd.OutOrStdout(), opts)
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or TOML config file")
	cmd.Flags().DurationVar(&opts.duration, "duration", 60*time.Second, "simulated time to run")
	cmd.Flags().DurationVar(&opts.tick, "tick", 0, "simulated time per step (overrides the config)")
	cmd.Flags().IntVar(&opts.missions, "missions", 3, "missions created before the first step")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "failure-injection seed (overrides the config)")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	return cmd
}

var (
	okColor   = color.New(color.FgHiGreen)
	failColor = color.New(color.FgRed)
	busyColor = color.New(color.FgYellow)
	dimColor  = color.New(color.FgHiBlack)
)

// simulate steps a fresh engine for opts.duration of simulated time and
// returns the final stats. Steps run back to back on the calling
// goroutine.
func simulate(ctx context.Context, out io.Writer, opts simulateOptions) (model.Stats, error) {
	if opts.noColor {
		color.NoColor = true
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return model.Stats{}, err
	}

	engineCfg := cfg.Engine()
	engineCfg.Mode = timectrl.Accelerated
	if opts.tick > 0 {
		engineCfg.Tick = opts.tick
	}
	if opts.seed != 0 {
		engineCfg.Seed = opts.seed
	}

	engine, err := sim.New(sim.WithConfig(engineCfg), sim.WithLogger(logging.Noop()))
	if err != nil {
		return model.Stats{}, err
	}
	defer engine.Close()

	for _, r := range cfg.SeedRobots() {
		if _, err := engine.UpsertRobot(ctx, r); err != nil {
			return model.Stats{}, fmt.Errorf("seed robot %s: %w", r.ID, err)
		}
	}

	var step int
	off := eventbus.On(engine.Events(), events.MissionUpdated, func(m model.Mission) {
		if line := describeMission(m); line != "" {
			fmt.Fprintf(out, "  %s %s\n", dimColor.Sprintf("[%04d]", step), line)
		}
	})
	defer off()

	for i := 0; i < opts.missions; i++ {
		engine.CreateMission(ctx)
	}

	steps := int(opts.duration / engineCfg.Tick)
	fmt.Fprintf(out, "Starting simulation: duration=%s, tick=%s, robots=%d, missions=%d\n",
		opts.duration, engineCfg.Tick, len(cfg.SeedRobots()), opts.missions)

	for step = 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			return engine.Stats(), err
		}
		engine.Step(ctx)
		fmt.Fprintln(out, summarize(step, engineCfg.Tick, engine.Stats(), engine.ListRobots(model.RobotFilter{})))
	}

	stats := engine.Stats()
	fmt.Fprintf(out, "Simulation complete: %s %s %s\n",
		okColor.Sprintf("completed=%d", stats.Completed),
		failColor.Sprintf("failed=%d", stats.Failed),
		busyColor.Sprintf("active=%d", stats.Active),
	)
	return stats, nil
}

func describeMission(m model.Mission) string {
	short := m.ID
	if len(short) > 8 {
		short = short[:8]
	}
	switch m.Status {
	case model.MissionCompleted:
		return okColor.Sprintf("mission %s completed", short)
	case model.MissionFailed, model.MissionCanceled:
		reason := ""
		if m.CancelReason != nil {
			reason = string(*m.CancelReason)
		}
		return failColor.Sprintf("mission %s %s (%s)", short, m.Status, reason)
	case model.MissionAssigned:
		return busyColor.Sprintf("mission %s assigned to %s", short, m.Robot())
	}
	return ""
}

func summarize(step int, tick time.Duration, stats model.Stats, robots []model.Robot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[t+%s] active=%s completed=%s failed=%s |",
		time.Duration(step)*tick,
		busyColor.Sprint(stats.Active),
		okColor.Sprint(stats.Completed),
		failColor.Sprint(stats.Failed),
	)
	for _, r := range robots {
		short := r.ID
		if len(short) > 4 {
			short = short[:4]
		}
		fmt.Fprintf(&b, " %s=%s(%.1f%%)", short, r.Status, r.BatteryPct)
	}
	return b.String()
}
