// Package config loads the fleet simulator configuration from a YAML or
// TOML file, applies defaults and environment overrides, and validates it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/internal/orchestrator"
	"github.com/signalsfoundry/fleet-simulator/internal/registry"
	"github.com/signalsfoundry/fleet-simulator/internal/sim"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// Config is the top-level simulator configuration.
type Config struct {
	Sim     SimConfig     `yaml:"sim" toml:"sim"`
	Battery BatteryConfig `yaml:"battery" toml:"battery"`
	Robots  []RobotSeed   `yaml:"robots" toml:"robots"`
	Feeder  FeederConfig  `yaml:"feeder" toml:"feeder"`
	HTTP    HTTPConfig    `yaml:"http" toml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc" toml:"grpc"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
}

// SimConfig drives the engine loop and the mission state machine.
type SimConfig struct {
	Tick            Duration   `yaml:"tick" toml:"tick"`
	Accelerated     bool       `yaml:"accelerated" toml:"accelerated"`
	AutoAssign      *bool      `yaml:"auto_assign" toml:"auto_assign"`
	GreedyAssign    bool       `yaml:"greedy_assign" toml:"greedy_assign"`
	BlockedPathRate *float64   `yaml:"blocked_path_rate" toml:"blocked_path_rate"`
	Legs            LegsConfig `yaml:"legs" toml:"legs"`
	Seed            uint64     `yaml:"seed" toml:"seed"`
	Movement        *bool      `yaml:"movement" toml:"movement"`
}

// LegsConfig is the length of each movement leg in ticks.
type LegsConfig struct {
	EnRoute    int `yaml:"en_route" toml:"en_route"`
	Delivering int `yaml:"delivering" toml:"delivering"`
}

// BatteryConfig holds the battery rates in percent per second.
type BatteryConfig struct {
	MoveDrainPerSec *float64 `yaml:"move_drain_per_sec" toml:"move_drain_per_sec"`
	IdleDrainPerSec *float64 `yaml:"idle_drain_per_sec" toml:"idle_drain_per_sec"`
	ChargePerSec    *float64 `yaml:"charge_per_sec" toml:"charge_per_sec"`
}

// RobotSeed is a robot upserted at start-up.
type RobotSeed struct {
	ID         string  `yaml:"id" toml:"id"`
	Status     string  `yaml:"status" toml:"status"`
	BatteryPct float64 `yaml:"battery_pct" toml:"battery_pct"`
}

// FeederConfig schedules demo mission creation.
type FeederConfig struct {
	Enabled  *bool  `yaml:"enabled" toml:"enabled"`
	Schedule string `yaml:"schedule" toml:"schedule"`
}

// HTTPConfig configures the REST/SSE/WebSocket gateway.
type HTTPConfig struct {
	Addr        string  `yaml:"addr" toml:"addr"`
	APIKey      string  `yaml:"api_key" toml:"api_key"`
	CreateRate  float64 `yaml:"create_rate" toml:"create_rate"`
	CreateBurst int     `yaml:"create_burst" toml:"create_burst"`
}

// GRPCConfig configures the gRPC health endpoint.
type GRPCConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	Exporter    string  `yaml:"exporter" toml:"exporter"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a config file, choosing the decoder by extension (.toml, or
// YAML otherwise), then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = FormatTOML
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

// Format names a config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Parse decodes config bytes, applies defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse toml: %w", err)
		}
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from FLEET_* environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("FLEET_HTTP_ADDR"); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("FLEET_GRPC_ADDR"); ok && v != "" {
		c.GRPC.Addr = v
	}
	if v, ok := lookup("FLEET_METRICS_ADDR"); ok && v != "" {
		c.Metrics.Addr = v
	}
	if v, ok := lookup("FLEET_API_KEY"); ok {
		c.HTTP.APIKey = v
	}
	if v, ok := lookup("FLEET_SIM_CREATE"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: FLEET_SIM_CREATE: %w", err)
		}
		c.Feeder.Enabled = &enabled
	}
	if v, ok := lookup("FLEET_SEED"); ok && v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: FLEET_SEED: %w", err)
		}
		c.Sim.Seed = seed
	}
	return nil
}

// FeederEnabled reports whether demo missions should be created.
func (c *Config) FeederEnabled() bool {
	return c.Feeder.Enabled == nil || *c.Feeder.Enabled
}

// Engine converts the config into engine settings.
func (c *Config) Engine() sim.Config {
	mode := timectrl.RealTime
	if c.Sim.Accelerated {
		mode = timectrl.Accelerated
	}
	return sim.Config{
		Tick:     c.Sim.Tick.Duration,
		Mode:     mode,
		Movement: *c.Sim.Movement,
		Orchestrator: orchestrator.Options{
			AutoAssign:      *c.Sim.AutoAssign,
			GreedyAssign:    c.Sim.GreedyAssign,
			BlockedPathRate: *c.Sim.BlockedPathRate,
			Legs: orchestrator.Legs{
				EnRoute:    c.Sim.Legs.EnRoute,
				Delivering: c.Sim.Legs.Delivering,
			},
		},
		Battery: registry.BatteryModel{
			MoveDrainPerSec: *c.Battery.MoveDrainPerSec,
			IdleDrainPerSec: *c.Battery.IdleDrainPerSec,
			ChargePerSec:    *c.Battery.ChargePerSec,
		},
		Seed: c.Sim.Seed,
	}
}

// SeedRobots converts the robot seeds into idle, reassignable robots
// unless a status is given.
func (c *Config) SeedRobots() []model.Robot {
	out := make([]model.Robot, 0, len(c.Robots))
	for _, s := range c.Robots {
		out = append(out, model.Robot{
			ID:           s.ID,
			Status:       model.RobotStatus(s.Status),
			BatteryPct:   s.BatteryPct,
			Reassignable: true,
		})
	}
	return out
}

// Observability converts the tracing section.
func (c *Config) Observability() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

func (c *Config) applyDefaults() {
	engine := sim.DefaultConfig()
	if c.Sim.Tick.Duration == 0 {
		c.Sim.Tick.Duration = engine.Tick
	}
	if c.Sim.AutoAssign == nil {
		c.Sim.AutoAssign = ptr(engine.Orchestrator.AutoAssign)
	}
	if c.Sim.BlockedPathRate == nil {
		c.Sim.BlockedPathRate = ptr(engine.Orchestrator.BlockedPathRate)
	}
	if c.Sim.Legs.EnRoute == 0 {
		c.Sim.Legs.EnRoute = engine.Orchestrator.Legs.EnRoute
	}
	if c.Sim.Legs.Delivering == 0 {
		c.Sim.Legs.Delivering = engine.Orchestrator.Legs.Delivering
	}
	if c.Sim.Movement == nil {
		c.Sim.Movement = ptr(engine.Movement)
	}

	if c.Battery.MoveDrainPerSec == nil {
		c.Battery.MoveDrainPerSec = ptr(engine.Battery.MoveDrainPerSec)
	}
	if c.Battery.IdleDrainPerSec == nil {
		c.Battery.IdleDrainPerSec = ptr(engine.Battery.IdleDrainPerSec)
	}
	if c.Battery.ChargePerSec == nil {
		c.Battery.ChargePerSec = ptr(engine.Battery.ChargePerSec)
	}

	if c.Robots == nil {
		c.Robots = []RobotSeed{
			{ID: "11111111-1111-1111-1111-111111111111", BatteryPct: 100},
			{ID: "22222222-2222-2222-2222-222222222222", BatteryPct: 76},
		}
	}
	for i := range c.Robots {
		if c.Robots[i].Status == "" {
			c.Robots[i].Status = string(model.RobotIdle)
		}
	}

	if c.Feeder.Schedule == "" {
		c.Feeder.Schedule = "@every 5s"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":4330"
	}
	if c.HTTP.CreateRate == 0 {
		c.HTTP.CreateRate = 10
	}
	if c.HTTP.CreateBurst == 0 {
		c.HTTP.CreateBurst = 20
	}
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "fleetsim"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

func (c *Config) validate() error {
	var errs []string
	if c.Sim.Tick.Duration <= 0 {
		errs = append(errs, "sim.tick must be positive")
	}
	if rate := *c.Sim.BlockedPathRate; rate < 0 || rate > 1 {
		errs = append(errs, "sim.blocked_path_rate must be within [0,1]")
	}
	if c.Sim.Legs.EnRoute < 1 || c.Sim.Legs.Delivering < 1 {
		errs = append(errs, "sim.legs must be at least one tick each")
	}
	if *c.Battery.MoveDrainPerSec < 0 || *c.Battery.IdleDrainPerSec < 0 || *c.Battery.ChargePerSec < 0 {
		errs = append(errs, "battery rates must not be negative")
	}
	seen := make(map[string]bool, len(c.Robots))
	for i, r := range c.Robots {
		if err := model.ValidateID(r.ID); err != nil {
			errs = append(errs, fmt.Sprintf("robots[%d].id: %v", i, err))
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Sprintf("robots[%d].id %s is duplicated", i, r.ID))
		}
		seen[r.ID] = true
		if !model.RobotStatus(r.Status).Valid() {
			errs = append(errs, fmt.Sprintf("robots[%d].status %q is unknown", i, r.Status))
		}
		if r.BatteryPct < 0 || r.BatteryPct > 100 {
			errs = append(errs, fmt.Sprintf("robots[%d].battery_pct must be within [0,100]", i))
		}
	}
	if c.HTTP.CreateRate < 0 || c.HTTP.CreateBurst < 0 {
		errs = append(errs, "http create limits must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sample_ratio must be within [0,1]")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
