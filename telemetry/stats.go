package telemetry

import (
	"log/slog"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Sample is one row of per-tick summary statistics for a scenario.
// Fields belonging to a disabled toggle stay zero.
type Sample struct {
	Scenario int    `csv:"scenario" db:"scenario"`
	Tick     uint64 `csv:"tick" db:"tick"`

	// Agents
	Agents  int `csv:"agents" db:"agents"`
	Births  int `csv:"births" db:"births"`
	Deaths  int `csv:"deaths" db:"deaths"`
	Invalid int `csv:"invalid" db:"invalid"` // stale-handle deltas dropped this tick

	// Landscape
	OccupiedCells int     `csv:"occupied_cells" db:"occupied_cells"`
	OccupancyMean float64 `csv:"occupancy_mean" db:"occupancy_mean"`
	OccupancyMax  int     `csv:"occupancy_max" db:"occupancy_max"`
	OccupancyP90  float64 `csv:"occupancy_p90" db:"occupancy_p90"`

	// Network
	Links      int     `csv:"links" db:"links"`
	DegreeMean float64 `csv:"degree_mean" db:"degree_mean"`
	DegreeStd  float64 `csv:"degree_std" db:"degree_std"`
	DegreeMax  int     `csv:"degree_max" db:"degree_max"`
	Isolated   int     `csv:"isolated" db:"isolated"`
	Components int     `csv:"components" db:"components"`

	// Model-specific values from probes, exported separately.
	Observations []Observation `csv:"-" db:"-"`
}

// Observation is a named model-specific value sampled at a tick.
type Observation struct {
	Scenario int     `csv:"scenario" db:"scenario"`
	Tick     uint64  `csv:"tick" db:"tick"`
	Name     string  `csv:"name" db:"name"`
	Value    float64 `csv:"value" db:"value"`
}

// Observe is shorthand for building an observation from a probe.
func Observe(name string, value float64) Observation {
	return Observation{Name: name, Value: value}
}

// Stats summarises a distribution.
type Stats struct {
	Mean, Std     float64
	Min, Max      float64
	P10, P50, P90 float64
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation between closest ranks
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeStats calculates population mean and standard deviation, range and
// percentiles. values is not modified.
func ComputeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	mean, std := stat.PopMeanStdDev(values, nil)

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	return Stats{
		Mean: mean,
		Std:  std,
		Min:  floats.Min(sorted),
		Max:  floats.Max(sorted),
		P10:  Percentile(sorted, 0.10),
		P50:  Percentile(sorted, 0.50),
		P90:  Percentile(sorted, 0.90),
	}
}

// LogValue implements slog.LogValuer for structured logging.
func (s Sample) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("scenario", s.Scenario),
		slog.Uint64("tick", s.Tick),
		slog.Int("agents", s.Agents),
		slog.Int("births", s.Births),
		slog.Int("deaths", s.Deaths),
	}
	if s.Invalid > 0 {
		attrs = append(attrs, slog.Int("invalid", s.Invalid))
	}
	if s.OccupiedCells > 0 {
		attrs = append(attrs,
			slog.Int("occupied_cells", s.OccupiedCells),
			slog.Float64("occupancy_mean", s.OccupancyMean),
			slog.Int("occupancy_max", s.OccupancyMax),
		)
	}
	if s.Links > 0 {
		attrs = append(attrs,
			slog.Int("links", s.Links),
			slog.Float64("degree_mean", s.DegreeMean),
			slog.Int("components", s.Components),
		)
	}
	for _, o := range s.Observations {
		attrs = append(attrs, slog.Float64(o.Name, o.Value))
	}
	return slog.GroupValue(attrs...)
}
