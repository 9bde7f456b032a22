// Package config provides configuration loading and validation for simulation sweeps.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"runtime"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// MaxScenarioCount bounds simulation.scenario_count.
const MaxScenarioCount = 1 << 24

// Config holds all sweep configuration parameters.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Landscape  LandscapeConfig  `yaml:"landscape"`
	Network    NetworkConfig    `yaml:"network"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Model      ModelConfig      `yaml:"model"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Output     OutputConfig     `yaml:"output"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// SimulationConfig holds tick and scenario counts.
type SimulationConfig struct {
	TickCount     uint64 `yaml:"tick_count"`
	ScenarioCount uint64 `yaml:"scenario_count"`
	BaseSeed      uint64 `yaml:"base_seed"`
	Workers       int    `yaml:"workers"` // 0 = GOMAXPROCS
}

// LandscapeConfig holds the wrapped grid settings.
// Dimensions are fixed for the lifetime of a scenario.
type LandscapeConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	Neighborhood string `yaml:"neighborhood"` // moore | von_neumann
}

// NetworkConfig holds social link graph settings.
type NetworkConfig struct {
	Enabled          bool `yaml:"enabled"`
	Directed         bool `yaml:"directed"`
	StrictDuplicates bool `yaml:"strict_duplicates"` // duplicate link edits fail the scenario
}

// MetricsConfig toggles per-tick instrumentation. Toggles never change outcomes.
type MetricsConfig struct {
	Agents     bool `yaml:"agents"`
	Landscape  bool `yaml:"landscape"`
	Network    bool `yaml:"network"`
	PerfWindow int  `yaml:"perf_window"` // ticks in the rolling perf window, 0 = off
}

// ModelConfig selects the pluggable rule and its parameters.
type ModelConfig struct {
	Name          string             `yaml:"name"`
	InitialAgents int                `yaml:"initial_agents"`
	Params        map[string]float64 `yaml:"params"`
}

// SweepConfig varies model parameters across scenarios.
type SweepConfig struct {
	Grid map[string][]float64 `yaml:"grid"`
}

// OutputConfig holds result sink settings.
type OutputConfig struct {
	Dir      string `yaml:"dir"`      // CSV output directory, empty = off
	Compress bool   `yaml:"compress"` // write .csv.zst
	Database string `yaml:"database"` // SQLite result store path, empty = off
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Workers    int      // effective worker count
	GridKeys   []string // sweep.grid keys, sorted
	GridPoints int      // number of parameter combinations
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.computeDerived()

	return cfg, nil
}

// MustLoad is like Load but panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("config: failed to load: %v", err))
	}
	return cfg
}

// Validate rejects malformed tick, scenario, grid and toggle settings.
func (c *Config) Validate() error {
	if c.Simulation.TickCount == 0 {
		return Invalid("simulation.tick_count", "must be at least 1")
	}
	if c.Simulation.ScenarioCount == 0 {
		return Invalid("simulation.scenario_count", "must be at least 1")
	}
	if c.Simulation.ScenarioCount > MaxScenarioCount {
		return Invalid("simulation.scenario_count", fmt.Sprintf("must be at most %d", MaxScenarioCount))
	}
	if c.Simulation.Workers < 0 {
		return Invalid("simulation.workers", "must not be negative")
	}
	if c.Landscape.Enabled {
		if c.Landscape.Width <= 0 {
			return Invalid("landscape.width", "must be positive")
		}
		if c.Landscape.Height <= 0 {
			return Invalid("landscape.height", "must be positive")
		}
		switch c.Landscape.Neighborhood {
		case "", "moore", "von_neumann":
		default:
			return Invalid("landscape.neighborhood", fmt.Sprintf("unknown value %q", c.Landscape.Neighborhood))
		}
	}
	if c.Metrics.Landscape && !c.Landscape.Enabled {
		return Invalid("metrics.landscape", "requires landscape.enabled")
	}
	if c.Metrics.Network && !c.Network.Enabled {
		return Invalid("metrics.network", "requires network.enabled")
	}
	if c.Metrics.PerfWindow < 0 {
		return Invalid("metrics.perf_window", "must not be negative")
	}
	if c.Model.Name == "" {
		return Invalid("model.name", "must be set")
	}
	if c.Model.InitialAgents < 0 {
		return Invalid("model.initial_agents", "must not be negative")
	}
	for name, values := range c.Sweep.Grid {
		if len(values) == 0 {
			return Invalid("sweep.grid."+name, "must list at least one value")
		}
	}
	return nil
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() {
	c.Derived.Workers = c.Simulation.Workers
	if c.Derived.Workers == 0 {
		c.Derived.Workers = runtime.GOMAXPROCS(0)
	}

	c.Derived.GridKeys = c.Derived.GridKeys[:0]
	c.Derived.GridPoints = 1
	for name, values := range c.Sweep.Grid {
		c.Derived.GridKeys = append(c.Derived.GridKeys, name)
		c.Derived.GridPoints *= len(values)
	}
	sort.Strings(c.Derived.GridKeys)
}

// Refresh re-validates and recomputes derived values after fields were changed in code.
func (c *Config) Refresh() error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.computeDerived()
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Model.Params = make(map[string]float64, len(c.Model.Params))
	for k, v := range c.Model.Params {
		out.Model.Params[k] = v
	}
	out.Sweep.Grid = make(map[string][]float64, len(c.Sweep.Grid))
	for k, v := range c.Sweep.Grid {
		out.Sweep.Grid[k] = append([]float64(nil), v...)
	}
	out.Derived.GridKeys = append([]string(nil), c.Derived.GridKeys...)
	return &out
}

// YAML returns the configuration encoded as YAML.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
