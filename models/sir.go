package models

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/landscape"
	"github.com/pthm-cable/tickworld/scenario"
	"github.com/pthm-cable/tickworld/sweep"
	"github.com/pthm-cable/tickworld/telemetry"
)

// Health is an agent's infection state.
type Health uint8

const (
	Susceptible Health = iota
	Infected
	Recovered
)

func (h Health) String() string {
	switch h {
	case Susceptible:
		return "S"
	case Infected:
		return "I"
	case Recovered:
		return "R"
	}
	return "?"
}

// Host is the payload of the SIR model.
type Host struct {
	Health     Health
	Age        int
	InfectedAt uint64
}

// Patch is a landscape cell of the SIR model.
type Patch struct {
	Suitability   float64 // [0, 1], fixed terrain quality
	Contamination float64 // [0, 1], shed by infected hosts and decaying
}

// Contact is the state of a link between two hosts.
type Contact struct {
	Since uint64
}

type (
	sirView  = scenario.View[Host, Patch, Contact]
	sirBatch = scenario.Batch[Host, Patch, Contact]
)

// SIR spreads an infection through spatial proximity, contact links and
// contaminated cells. Hosts wander, reproduce on suitable terrain and die from
// the infection.
type SIR struct {
	// Initial is the number of hosts placed before tick 1.
	Initial int
}

type sirParams struct {
	radius       int
	beta         float64
	linkBeta     float64
	envBeta      float64
	shedding     float64
	decay        float64
	recovery     float64
	immunityLoss float64
	mortality    float64
	birth        float64
	move         float64
	linkForm     float64
	linkBreak    float64
}

func readSIRParams(v *sirView) sirParams {
	return sirParams{
		radius:       v.IntParam("contact_radius", 1),
		beta:         v.Param("infection_rate", 0.08),
		linkBeta:     v.Param("link_infection_rate", 0.05),
		envBeta:      v.Param("environment_rate", 0.02),
		shedding:     v.Param("shedding", 0.2),
		decay:        v.Param("contamination_decay", 0.1),
		recovery:     v.Param("recovery_rate", 0.05),
		immunityLoss: v.Param("immunity_loss_rate", 0.005),
		mortality:    v.Param("mortality_rate", 0.002),
		birth:        v.Param("birth_rate", 0.004),
		move:         v.Param("move_chance", 0.5),
		linkForm:     v.Param("link_form_rate", 0.01),
		linkBreak:    v.Param("link_break_rate", 0.01),
	}
}

// Seed generates the terrain and places hosts, preferring suitable cells.
func (s SIR) Seed(v *sirView, rng *rand.Rand, out *sirBatch) error {
	w, h := v.Width(), v.Height()
	field := landscape.NoiseField(int64(rng.Uint64()), w, h,
		v.Param("terrain_scale", 3), v.IntParam("terrain_octaves", 3))
	for i, q := range field {
		out.SetCell(landscape.CellIndex(i), Patch{Suitability: q})
	}

	infected := v.IntParam("initial_infected", 10)
	for i := 0; i < s.Initial; i++ {
		at := landscape.CellIndex(rng.IntN(len(field)))
		for try := 0; try < 8 && rng.Float64() > field[at]; try++ {
			at = landscape.CellIndex(rng.IntN(len(field)))
		}
		host := Host{Health: Susceptible}
		if i < infected {
			host.Health = Infected
		}
		out.Spawn(host, at)
	}
	return nil
}

// Step advances health, movement, births, contacts and contamination by one tick.
func (s SIR) Step(v *sirView, rng *rand.Rand, out *sirBatch) error {
	p := readSIRParams(v)
	kind := v.Neighborhood()
	tick := v.Tick()

	formed := make(map[[2]agents.Handle]bool)
	if tick == 0 && v.Network() {
		s.initialContacts(v, rng, out, formed)
	}

	var (
		cells []landscape.CellIndex
		peers []agents.Handle
	)
	for h, a := range v.Agents() {
		at, _ := v.CellOf(h)
		patch := v.Cell(at)

		switch a.Health {
		case Susceptible:
			escape := math.Pow(1-p.beta, float64(s.infectedNearby(v, h, p.radius, kind))) *
				math.Pow(1-p.linkBeta, float64(s.infectedPeers(v, h))) *
				(1 - p.envBeta*patch.Contamination)
			if rng.Float64() >= escape {
				a.Health = Infected
				a.InfectedAt = tick + 1
			}
		case Infected:
			if rng.Float64() < p.mortality {
				out.Kill(h)
				continue
			}
			if rng.Float64() < p.recovery {
				a.Health = Recovered
			}
		case Recovered:
			if rng.Float64() < p.immunityLoss {
				a.Health = Susceptible
			}
		}
		a.Age++
		out.Update(h, a)

		cells = slices.AppendSeq(cells[:0], v.Neighbors(at, 1, kind))

		if rng.Float64() < p.birth*patch.Suitability {
			child := Host{Health: Susceptible}
			dest := pick(rng, cells, at)
			if v.Network() {
				out.SpawnLinked(child, dest, h, Contact{Since: tick + 1})
			} else {
				out.Spawn(child, dest)
			}
		}
		if rng.Float64() < p.move {
			out.Move(h, pick(rng, cells, at))
		}

		if !v.Network() {
			continue
		}
		if v.Degree(h) > 0 && rng.Float64() < p.linkBreak {
			peers = peers[:0]
			for o := range v.LinksOf(h) {
				peers = append(peers, o)
			}
			out.Unlink(h, peers[rng.IntN(len(peers))])
		}
		if rng.Float64() < p.linkForm {
			peers = slices.AppendSeq(peers[:0], v.Nearby(h, p.radius, kind))
			if len(peers) > 0 {
				o := peers[rng.IntN(len(peers))]
				if k := pair(h, o); !formed[k] && !v.Linked(h, o) && !v.Linked(o, h) {
					formed[k] = true
					out.Link(h, o, Contact{Since: tick + 1})
				}
			}
		}
	}

	s.contaminate(v, p, out)
	return nil
}

// initialContacts links every host to initial_links random others.
func (s SIR) initialContacts(v *sirView, rng *rand.Rand, out *sirBatch, formed map[[2]agents.Handle]bool) {
	links := v.IntParam("initial_links", 2)
	var hosts []agents.Handle
	for h := range v.Agents() {
		hosts = append(hosts, h)
	}
	if len(hosts) < 2 {
		return
	}
	for _, h := range hosts {
		for range links {
			o := hosts[rng.IntN(len(hosts))]
			if k := pair(h, o); o != h && !formed[k] {
				formed[k] = true
				out.Link(h, o, Contact{})
			}
		}
	}
}

// pair orders two handles so a link and its reverse share a key.
func pair(a, b agents.Handle) [2]agents.Handle {
	if agents.Compare(a, b) > 0 {
		a, b = b, a
	}
	return [2]agents.Handle{a, b}
}

func (s SIR) infectedNearby(v *sirView, h agents.Handle, radius int, kind landscape.Neighborhood) int {
	n := 0
	for o := range v.Nearby(h, radius, kind) {
		if a, ok := v.Agent(o); ok && a.Health == Infected {
			n++
		}
	}
	return n
}

func (s SIR) infectedPeers(v *sirView, h agents.Handle) int {
	n := 0
	for o := range v.LinksOf(h) {
		if a, ok := v.Agent(o); ok && a.Health == Infected {
			n++
		}
	}
	return n
}

// contaminate decays every cell and adds shedding from its infected occupants.
func (s SIR) contaminate(v *sirView, p sirParams, out *sirBatch) {
	for i := range v.Cells() {
		at := landscape.CellIndex(i)
		patch := v.Cell(at)
		shed := 0.0
		for o := range v.Occupants(at) {
			if a, ok := v.Agent(o); ok && a.Health == Infected {
				shed += p.shedding
			}
		}
		next := min(patch.Contamination*(1-p.decay)+shed, 1)
		if next < 1e-9 {
			next = 0
		}
		if next != patch.Contamination {
			patch.Contamination = next
			out.SetCell(at, patch)
		}
	}
}

// SIRProbe reports compartment sizes and mean contamination.
func SIRProbe(v *sirView) []telemetry.Observation {
	var counts [3]float64
	for _, a := range v.Agents() {
		counts[a.Health]++
	}
	contamination := 0.0
	if n := v.Cells(); n > 0 {
		for i := range n {
			contamination += v.Cell(landscape.CellIndex(i)).Contamination
		}
		contamination /= float64(n)
	}
	return []telemetry.Observation{
		telemetry.Observe("susceptible", counts[Susceptible]),
		telemetry.Observe("infected", counts[Infected]),
		telemetry.Observe("recovered", counts[Recovered]),
		telemetry.Observe("mean_contamination", contamination),
	}
}

// NewSIR builds an SIR runner for one scenario.
func NewSIR(sc scenario.Scenario, opts scenario.Options, initial int) (*scenario.Runner[Host, Patch, Contact], error) {
	if !opts.Landscape.Enabled {
		return nil, config.Invalid("landscape.enabled", "sir model requires a landscape")
	}
	rule := scenario.Rule[Host, Patch, Contact](SIR{Initial: initial})
	return scenario.New(sc, opts, rule, SIRProbe)
}

func buildSIR(cfg *config.Config, logger *slog.Logger) (sweep.Factory, error) {
	opts, err := scenario.OptionsFrom(cfg)
	if err != nil {
		return nil, err
	}
	if !opts.Landscape.Enabled {
		return nil, config.Invalid("landscape.enabled", "sir model requires a landscape")
	}
	opts.Logger = logger
	initial := cfg.Model.InitialAgents
	return func(sc scenario.Scenario) (sweep.Simulation, error) {
		return NewSIR(sc, opts, initial)
	}, nil
}
