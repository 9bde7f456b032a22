package models

import (
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/landscape"
	"github.com/pthm-cable/tickworld/scenario"
	"github.com/pthm-cable/tickworld/sweep"
	"github.com/pthm-cable/tickworld/telemetry"
)

// Crowder is the payload of the crowding model.
type Crowder struct {
	Age int
}

type (
	crowdView  = scenario.View[Crowder, struct{}, struct{}]
	crowdBatch = scenario.Batch[Crowder, struct{}, struct{}]
)

// Crowding kills agents with no neighbour within radius and gives every agent
// with at least birth_neighbors neighbours one offspring in an adjacent cell.
type Crowding struct {
	// Initial is the number of agents spawned at random cells before tick 1.
	Initial int
}

// Seed scatters the initial population uniformly.
func (c Crowding) Seed(v *crowdView, rng *rand.Rand, out *crowdBatch) error {
	for i := 0; i < c.Initial; i++ {
		out.Spawn(Crowder{}, landscape.CellIndex(rng.IntN(v.Cells())))
	}
	return nil
}

// Step applies the crowding rule to every live agent.
func (c Crowding) Step(v *crowdView, rng *rand.Rand, out *crowdBatch) error {
	radius := v.IntParam("radius", 1)
	birthAt := v.IntParam("birth_neighbors", 3)
	limit := v.IntParam("max_population", 0)
	kind := v.Neighborhood()

	var cells []landscape.CellIndex
	for h, a := range v.Agents() {
		n := 0
		for range v.Nearby(h, radius, kind) {
			n++
		}
		if n == 0 {
			out.Kill(h)
			continue
		}
		out.Update(h, Crowder{Age: a.Age + 1})

		if n < birthAt {
			continue
		}
		if limit > 0 && v.Population()-out.Kills()+out.Spawns() >= limit {
			continue
		}
		at, _ := v.CellOf(h)
		cells = slices.AppendSeq(cells[:0], v.Neighbors(at, 1, kind))
		out.Spawn(Crowder{}, pick(rng, cells, at))
	}
	return nil
}

// pick returns a random cell from cells, or at when a tiny grid leaves no
// neighbours.
func pick(rng *rand.Rand, cells []landscape.CellIndex, at landscape.CellIndex) landscape.CellIndex {
	if len(cells) == 0 {
		return at
	}
	return cells[rng.IntN(len(cells))]
}

// CrowdingProbe reports the mean agent age.
func CrowdingProbe(v *crowdView) []telemetry.Observation {
	var sum, n float64
	for _, a := range v.Agents() {
		sum += float64(a.Age)
		n++
	}
	mean := 0.0
	if n > 0 {
		mean = sum / n
	}
	return []telemetry.Observation{telemetry.Observe("mean_age", mean)}
}

// NewCrowding builds a crowding runner for one scenario.
func NewCrowding(sc scenario.Scenario, opts scenario.Options, initial int) (*scenario.Runner[Crowder, struct{}, struct{}], error) {
	if !opts.Landscape.Enabled {
		return nil, config.Invalid("landscape.enabled", "crowding model requires a landscape")
	}
	rule := scenario.Rule[Crowder, struct{}, struct{}](Crowding{Initial: initial})
	return scenario.New(sc, opts, rule, CrowdingProbe)
}

func buildCrowding(cfg *config.Config, logger *slog.Logger) (sweep.Factory, error) {
	opts, err := scenario.OptionsFrom(cfg)
	if err != nil {
		return nil, err
	}
	if !opts.Landscape.Enabled {
		return nil, config.Invalid("landscape.enabled", "crowding model requires a landscape")
	}
	opts.Logger = logger
	initial := cfg.Model.InitialAgents
	return func(sc scenario.Scenario) (sweep.Simulation, error) {
		return NewCrowding(sc, opts, initial)
	}, nil
}

