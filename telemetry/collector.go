package telemetry

import (
	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/landscape"
	"github.com/pthm-cable/tickworld/network"
)

// Toggles selects which subsystems are summarised into each Sample.
type Toggles struct {
	Agents    bool
	Landscape bool
	Network   bool
}

// Any reports whether sampling is enabled at all.
func (t Toggles) Any() bool {
	return t.Agents || t.Landscape || t.Network
}

// Collector accumulates lifecycle events between samples.
type Collector struct {
	births  int
	deaths  int
	invalid int
}

// RecordBirth records a spawned agent.
func (c *Collector) RecordBirth() {
	c.births++
}

// RecordDeath records a killed agent.
func (c *Collector) RecordDeath() {
	c.deaths++
}

// RecordInvalid records a delta dropped for naming a dead agent.
func (c *Collector) RecordInvalid() {
	c.invalid++
}

// Flush copies the counters into s and resets them for the next tick.
func (c *Collector) Flush(s *Sample) {
	s.Births = c.births
	s.Deaths = c.deaths
	s.Invalid = c.invalid
	*c = Collector{}
}

// Aggregate summarises the current world state. It only reads: nothing it does can
// alter the store, grid, network or any random stream. land and net may be nil
// when the subsystem is disabled.
func Aggregate[A, C, L any](t Toggles, scenario int, tick uint64, store *agents.Store[A], land *landscape.Landscape[C], net *network.Network[L]) Sample {
	s := Sample{Scenario: scenario, Tick: tick}

	if t.Agents {
		s.Agents = store.Len()
	}

	if t.Landscape && land != nil {
		counts := make([]float64, land.Len())
		for i := range counts {
			n := land.Count(landscape.CellIndex(i))
			if n > 0 {
				s.OccupiedCells++
			}
			counts[i] = float64(n)
		}
		st := ComputeStats(counts)
		s.OccupancyMean = st.Mean
		s.OccupancyMax = int(st.Max)
		s.OccupancyP90 = st.P90
	}

	if t.Network && net != nil {
		s.Links = net.Len()
		s.Components = net.Components()

		handles := store.Handles()
		degrees := make([]float64, len(handles))
		for i, h := range handles {
			d := net.Degree(h)
			if net.Directed() {
				d += net.InDegree(h)
			}
			if d == 0 {
				s.Isolated++
			}
			degrees[i] = float64(d)
		}
		st := ComputeStats(degrees)
		s.DegreeMean = st.Mean
		s.DegreeStd = st.Std
		s.DegreeMax = int(st.Max)
	}

	return s
}
