package telemetry

import (
	"log/slog"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Phase names for the simulation step, in execution order.
const (
	PhaseRule    = "rule"
	PhaseKills   = "kills"
	PhaseSpawns  = "spawns"
	PhaseUpdates = "updates"
	PhaseLinks   = "links"
	PhaseCells   = "cells"
	PhaseMetrics = "metrics"
)

// Phases lists every step phase in execution order.
var Phases = []string{
	PhaseRule, PhaseKills, PhaseSpawns, PhaseUpdates,
	PhaseLinks, PhaseCells, PhaseMetrics,
}

const numPhases = 7

func phaseIndex(name string) int {
	for i, p := range Phases {
		if p == name {
			return i
		}
	}
	return -1
}

// tickTiming is one slot of the rolling window.
type tickTiming struct {
	total  time.Duration
	phases [numPhases]time.Duration
	seen   uint8 // bit i set when phase i ran
}

// PerfCollector tracks wall-clock step timings over a rolling window.
// Timings are observational only and never feed back into a scenario.
type PerfCollector struct {
	window []tickTiming
	next   int
	filled int

	cur        tickTiming
	tickStart  time.Time
	phaseStart time.Time
	phase      int
}

// NewPerfCollector creates a collector averaging over windowSize ticks.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 100
	}
	return &PerfCollector{window: make([]tickTiming, windowSize), phase: -1}
}

// WindowSize returns the number of ticks averaged by Stats.
func (p *PerfCollector) WindowSize() int {
	return len(p.window)
}

// StartTick begins timing a new simulation tick.
func (p *PerfCollector) StartTick() {
	p.cur = tickTiming{}
	p.phase = -1
	p.tickStart = time.Now()
}

// StartPhase closes the running phase and starts timing the named one.
// Unknown names only close the running phase.
func (p *PerfCollector) StartPhase(name string) {
	now := time.Now()
	p.closePhase(now)
	p.phase = phaseIndex(name)
	p.phaseStart = now
}

func (p *PerfCollector) closePhase(now time.Time) {
	if p.phase < 0 {
		return
	}
	p.cur.phases[p.phase] += now.Sub(p.phaseStart)
	p.cur.seen |= 1 << p.phase
}

// EndTick finishes timing the current tick and stores it in the window.
func (p *PerfCollector) EndTick() {
	now := time.Now()
	p.closePhase(now)
	p.phase = -1
	p.cur.total = now.Sub(p.tickStart)

	p.window[p.next] = p.cur
	p.next = (p.next + 1) % len(p.window)
	p.filled = min(p.filled+1, len(p.window))
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	AvgTickDuration time.Duration
	MinTickDuration time.Duration
	MaxTickDuration time.Duration

	// Mean duration of each phase that ran at least once in the window.
	PhaseAvg map[string]time.Duration
	// PhaseAvg as a percentage of AvgTickDuration.
	PhasePct map[string]float64

	TicksPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	s := PerfStats{
		PhaseAvg: make(map[string]time.Duration),
		PhasePct: make(map[string]float64),
	}
	if p.filled == 0 {
		return s
	}

	ticks := make([]float64, p.filled)
	var phaseSum [numPhases]float64
	var seen uint8
	for i, t := range p.window[:p.filled] {
		ticks[i] = float64(t.total)
		for j, d := range t.phases {
			phaseSum[j] += float64(d)
		}
		seen |= t.seen
	}

	avg := stat.Mean(ticks, nil)
	s.AvgTickDuration = time.Duration(avg)
	s.MinTickDuration = time.Duration(floats.Min(ticks))
	s.MaxTickDuration = time.Duration(floats.Max(ticks))
	if avg > 0 {
		s.TicksPerSecond = float64(time.Second) / avg
	}

	for j, name := range Phases {
		if seen&(1<<j) == 0 {
			continue
		}
		mean := phaseSum[j] / float64(p.filled)
		s.PhaseAvg[name] = time.Duration(mean)
		if avg > 0 {
			s.PhasePct[name] = mean / avg * 100
		}
	}
	return s
}

// LogStats logs performance statistics to logger.
func (s PerfStats) LogStats(logger *slog.Logger, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs = append(attrs,
		"avg_tick_us", s.AvgTickDuration.Microseconds(),
		"min_tick_us", s.MinTickDuration.Microseconds(),
		"max_tick_us", s.MaxTickDuration.Microseconds(),
		"ticks_per_sec", int(s.TicksPerSecond),
	)

	for _, phase := range Phases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, phase+"_pct", float64(int(pct*10))/10)
		}
	}

	logger.Info("perf", attrs...)
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_tick_us", s.AvgTickDuration.Microseconds()),
		slog.Int64("min_tick_us", s.MinTickDuration.Microseconds()),
		slog.Int64("max_tick_us", s.MaxTickDuration.Microseconds()),
		slog.Float64("ticks_per_sec", s.TicksPerSecond),
	}
	for _, phase := range Phases {
		if pct, ok := s.PhasePct[phase]; ok {
			attrs = append(attrs, slog.Float64(phase+"_pct", pct))
		}
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	Scenario    int     `csv:"scenario"`
	WindowEnd   uint64  `csv:"window_end"`
	AvgTickUS   int64   `csv:"avg_tick_us"`
	MinTickUS   int64   `csv:"min_tick_us"`
	MaxTickUS   int64   `csv:"max_tick_us"`
	TicksPerSec float64 `csv:"ticks_per_sec"`
	RulePct     float64 `csv:"rule_pct"`
	KillsPct    float64 `csv:"kills_pct"`
	SpawnsPct   float64 `csv:"spawns_pct"`
	UpdatesPct  float64 `csv:"updates_pct"`
	LinksPct    float64 `csv:"links_pct"`
	CellsPct    float64 `csv:"cells_pct"`
	MetricsPct  float64 `csv:"metrics_pct"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct.
func (s PerfStats) ToCSV(scenario int, windowEnd uint64) PerfStatsCSV {
	return PerfStatsCSV{
		Scenario:    scenario,
		WindowEnd:   windowEnd,
		AvgTickUS:   s.AvgTickDuration.Microseconds(),
		MinTickUS:   s.MinTickDuration.Microseconds(),
		MaxTickUS:   s.MaxTickDuration.Microseconds(),
		TicksPerSec: s.TicksPerSecond,
		RulePct:     s.PhasePct[PhaseRule],
		KillsPct:    s.PhasePct[PhaseKills],
		SpawnsPct:   s.PhasePct[PhaseSpawns],
		UpdatesPct:  s.PhasePct[PhaseUpdates],
		LinksPct:    s.PhasePct[PhaseLinks],
		CellsPct:    s.PhasePct[PhaseCells],
		MetricsPct:  s.PhasePct[PhaseMetrics],
	}
}
