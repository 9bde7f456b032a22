package scenario

import (
	"log/slog"

	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/landscape"
	"github.com/pthm-cable/tickworld/telemetry"
)

// State is a scenario's position in its lifecycle.
type State uint8

const (
	Initialized State = iota
	Running
	Completed
	Failed    // a rule error or a strict-mode delta error
	Abandoned // cancelled between ticks
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

// Terminal reports whether no further ticks will run.
func (s State) Terminal() bool {
	return s >= Completed
}

// LandscapeOptions configures the wrapped grid.
type LandscapeOptions struct {
	Enabled      bool
	Width        int
	Height       int
	Neighborhood landscape.Neighborhood
}

// NetworkOptions configures the link network.
type NetworkOptions struct {
	Enabled  bool
	Directed bool
	// StrictDuplicates fails the scenario on a duplicate link edit instead of
	// counting it as rejected.
	StrictDuplicates bool
}

// Options configures a Runner.
type Options struct {
	TickCount uint64
	Landscape LandscapeOptions
	Network   NetworkOptions
	Metrics   telemetry.Toggles

	// PerfWindow is the number of ticks averaged per perf row, 0 disables timing.
	PerfWindow int

	// Capacity preallocates agent slots.
	Capacity int

	Logger *slog.Logger
}

// Validate rejects settings that cannot produce a scenario.
func (o Options) Validate() error {
	if o.TickCount == 0 {
		return config.Invalid("simulation.tick_count", "must be at least 1")
	}
	if o.Landscape.Enabled {
		if o.Landscape.Width <= 0 {
			return config.Invalid("landscape.width", "must be positive")
		}
		if o.Landscape.Height <= 0 {
			return config.Invalid("landscape.height", "must be positive")
		}
	}
	if o.Metrics.Landscape && !o.Landscape.Enabled {
		return config.Invalid("metrics.landscape", "requires landscape.enabled")
	}
	if o.Metrics.Network && !o.Network.Enabled {
		return config.Invalid("metrics.network", "requires network.enabled")
	}
	if o.PerfWindow < 0 {
		return config.Invalid("metrics.perf_window", "must not be negative")
	}
	if o.Capacity < 0 {
		return config.Invalid("capacity", "must not be negative")
	}
	return nil
}

// OptionsFrom builds runner options from a loaded configuration.
func OptionsFrom(cfg *config.Config) (Options, error) {
	kind, err := landscape.ParseNeighborhood(cfg.Landscape.Neighborhood)
	if err != nil {
		return Options{}, config.Invalid("landscape.neighborhood", err.Error())
	}
	opts := Options{
		TickCount: cfg.Simulation.TickCount,
		Landscape: LandscapeOptions{
			Enabled:      cfg.Landscape.Enabled,
			Width:        cfg.Landscape.Width,
			Height:       cfg.Landscape.Height,
			Neighborhood: kind,
		},
		Network: NetworkOptions{
			Enabled:          cfg.Network.Enabled,
			Directed:         cfg.Network.Directed,
			StrictDuplicates: cfg.Network.StrictDuplicates,
		},
		Metrics: telemetry.Toggles{
			Agents:    cfg.Metrics.Agents,
			Landscape: cfg.Metrics.Landscape,
			Network:   cfg.Metrics.Network,
		},
		PerfWindow: cfg.Metrics.PerfWindow,
		Capacity:   cfg.Model.InitialAgents,
	}
	return opts, opts.Validate()
}
