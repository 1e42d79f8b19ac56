package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, time.Second, cfg.Sim.Tick.Duration)
	assert.True(t, *cfg.Sim.AutoAssign)
	assert.False(t, cfg.Sim.GreedyAssign)
	assert.InDelta(t, 0.02, *cfg.Sim.BlockedPathRate, 1e-9)
	assert.Equal(t, LegsConfig{EnRoute: 4, Delivering: 3}, cfg.Sim.Legs)
	assert.Equal(t, ":4330", cfg.HTTP.Addr)
	assert.Equal(t, ":50051", cfg.GRPC.Addr)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "@every 5s", cfg.Feeder.Schedule)
	assert.True(t, cfg.FeederEnabled())

	robots := cfg.SeedRobots()
	require.Len(t, robots, 2)
	assert.Equal(t, 100.0, robots[0].BatteryPct)
	assert.Equal(t, 76.0, robots[1].BatteryPct)
	assert.Equal(t, model.RobotIdle, robots[1].Status)
	assert.True(t, robots[1].Reassignable)
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
sim:
  tick: 250ms
  accelerated: true
  auto_assign: false
  greedy_assign: true
  blocked_path_rate: 0
  legs:
    en_route: 2
    delivering: 1
  seed: 99
battery:
  move_drain_per_sec: 1.5
robots:
  - id: 33333333-3333-3333-3333-333333333333
    battery_pct: 50
feeder:
  enabled: false
http:
  api_key: secret
`)
	cfg, err := Parse(data, FormatYAML)
	require.NoError(t, err)

	engine := cfg.Engine()
	assert.Equal(t, 250*time.Millisecond, engine.Tick)
	assert.Equal(t, timectrl.Accelerated, engine.Mode)
	assert.False(t, engine.Orchestrator.AutoAssign)
	assert.True(t, engine.Orchestrator.GreedyAssign)
	assert.Zero(t, engine.Orchestrator.BlockedPathRate)
	assert.Equal(t, 2, engine.Orchestrator.Legs.EnRoute)
	assert.Equal(t, 1, engine.Orchestrator.Legs.Delivering)
	assert.Equal(t, uint64(99), engine.Seed)
	assert.Equal(t, 1.5, engine.Battery.MoveDrainPerSec)
	assert.Equal(t, 0.5, engine.Battery.ChargePerSec)
	assert.True(t, engine.Movement)

	require.Len(t, cfg.Robots, 1)
	assert.Equal(t, "idle", cfg.Robots[0].Status)
	assert.False(t, cfg.FeederEnabled())
	assert.Equal(t, "secret", cfg.HTTP.APIKey)
}

func TestParseTOML(t *testing.T) {
	data := []byte(`
[sim]
tick = "2s"
blocked_path_rate = 0.5

[sim.legs]
en_route = 6

[[robots]]
id = "44444444-4444-4444-4444-444444444444"
status = "charging"
battery_pct = 30

[grpc]
addr = ":6000"
`)
	cfg, err := Parse(data, FormatTOML)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Sim.Tick.Duration)
	assert.InDelta(t, 0.5, *cfg.Sim.BlockedPathRate, 1e-9)
	assert.Equal(t, 6, cfg.Sim.Legs.EnRoute)
	assert.Equal(t, 3, cfg.Sim.Legs.Delivering)
	assert.Equal(t, ":6000", cfg.GRPC.Addr)
	require.Len(t, cfg.Robots, 1)
	assert.Equal(t, model.RobotCharging, cfg.SeedRobots()[0].Status)
}

func TestValidationCollectsErrors(t *testing.T) {
	data := []byte(`
sim:
  blocked_path_rate: 2
  legs:
    en_route: -1
robots:
  - id: not-a-uuid
    status: flying
    battery_pct: 120
`)
	_, err := Parse(data, FormatYAML)
	require.Error(t, err)
	for _, want := range []string{
		"sim.blocked_path_rate",
		"sim.legs",
		"robots[0].id",
		"robots[0].status",
		"robots[0].battery_pct",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDuplicateRobotIDs(t *testing.T) {
	data := []byte(`
robots:
  - id: 11111111-1111-1111-1111-111111111111
  - id: 11111111-1111-1111-1111-111111111111
`)
	_, err := Parse(data, FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated")
}

func TestParseRejectsBadSyntax(t *testing.T) {
	_, err := Parse([]byte("sim: [unterminated"), FormatYAML)
	assert.Error(t, err)
	_, err = Parse([]byte("[sim\n"), FormatTOML)
	assert.Error(t, err)
	_, err = Parse([]byte("{}"), Format("ini"))
	assert.Error(t, err)
	_, err = Parse([]byte("sim:\n  tick: soon\n"), FormatYAML)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FLEET_HTTP_ADDR":    ":8080",
		"FLEET_GRPC_ADDR":    ":8081",
		"FLEET_METRICS_ADDR": ":8082",
		"FLEET_API_KEY":      "k",
		"FLEET_SIM_CREATE":   "false",
		"FLEET_SEED":         "7",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, ":8081", cfg.GRPC.Addr)
	assert.Equal(t, ":8082", cfg.Metrics.Addr)
	assert.Equal(t, "k", cfg.HTTP.APIKey)
	assert.False(t, cfg.FeederEnabled())
	assert.Equal(t, uint64(7), cfg.Sim.Seed)

	env["FLEET_SEED"] = "minus one"
	assert.Error(t, cfg.ApplyEnv(lookup))
}

func TestLoadPicksDecoderByExtension(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "fleet.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[http]\naddr = \":7000\"\n"), 0o600))
	yamlPath := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("http:\n  addr: \":7001\"\n"), 0o600))

	t.Setenv("FLEET_HTTP_ADDR", "")

	cfg, err := Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)

	cfg, err = Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.HTTP.Addr)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
