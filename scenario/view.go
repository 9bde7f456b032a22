package scenario

import (
	"iter"

	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/landscape"
	"github.com/pthm-cable/tickworld/network"
)

// View is the read-only window a rule or probe gets onto a scenario.
// Agent payloads are handed out by value; every change goes through a Batch.
type View[A, C, L any] struct {
	tick   *uint64
	params Params
	kind   landscape.Neighborhood
	store  *agents.Store[A]
	land   *landscape.Landscape[C]
	net    *network.Network[L]
}

// Tick returns the number of completed ticks.
func (v *View[A, C, L]) Tick() uint64 { return *v.tick }

// Param returns a model parameter of the scenario.
func (v *View[A, C, L]) Param(name string, fallback float64) float64 {
	return v.params.Get(name, fallback)
}

// IntParam returns a model parameter truncated to an int.
func (v *View[A, C, L]) IntParam(name string, fallback int) int {
	return v.params.Int(name, fallback)
}

// Landscape reports whether the scenario has a grid.
func (v *View[A, C, L]) Landscape() bool { return v.land != nil }

// Network reports whether the scenario has a link network.
func (v *View[A, C, L]) Network() bool { return v.net != nil }

// Agents yields every live agent with a copy of its payload, in slot order.
func (v *View[A, C, L]) Agents() iter.Seq2[agents.Handle, A] {
	return func(yield func(agents.Handle, A) bool) {
		for h, p := range v.store.All() {
			if !yield(h, *p) {
				return
			}
		}
	}
}

// Agent returns a copy of the payload of h.
func (v *View[A, C, L]) Agent(h agents.Handle) (A, bool) {
	return v.store.Value(h)
}

// Alive reports whether h names a live agent.
func (v *View[A, C, L]) Alive(h agents.Handle) bool {
	return v.store.Alive(h)
}

// Population returns the number of live agents.
func (v *View[A, C, L]) Population() int {
	return v.store.Len()
}

// Width returns the grid width, or 0 without a landscape.
func (v *View[A, C, L]) Width() int {
	if v.land == nil {
		return 0
	}
	return v.land.Width()
}

// Height returns the grid height, or 0 without a landscape.
func (v *View[A, C, L]) Height() int {
	if v.land == nil {
		return 0
	}
	return v.land.Height()
}

// Cells returns the number of cells, or 0 without a landscape.
func (v *View[A, C, L]) Cells() int {
	if v.land == nil {
		return 0
	}
	return v.land.Len()
}

// Neighborhood returns the scenario's configured neighbourhood shape.
func (v *View[A, C, L]) Neighborhood() landscape.Neighborhood { return v.kind }

// Wrap maps a lattice coordinate onto the grid.
func (v *View[A, C, L]) Wrap(x, y int) landscape.CellIndex {
	if v.land == nil {
		return 0
	}
	return v.land.Wrap(x, y)
}

// Coords returns the coordinates of cell i.
func (v *View[A, C, L]) Coords(i landscape.CellIndex) (x, y int) {
	if v.land == nil {
		return 0, 0
	}
	return v.land.Coords(i)
}

// Cell returns the state of cell i.
func (v *View[A, C, L]) Cell(i landscape.CellIndex) C {
	if v.land == nil {
		var zero C
		return zero
	}
	return v.land.Cell(i)
}

// CellOf returns the cell h occupies.
func (v *View[A, C, L]) CellOf(h agents.Handle) (landscape.CellIndex, bool) {
	if v.land == nil {
		return 0, false
	}
	return v.land.CellOf(h)
}

// Occupants yields the agents in cell i in arrival order.
func (v *View[A, C, L]) Occupants(i landscape.CellIndex) iter.Seq[agents.Handle] {
	if v.land == nil {
		return func(func(agents.Handle) bool) {}
	}
	return v.land.Occupants(i)
}

// Count returns the number of agents in cell i.
func (v *View[A, C, L]) Count(i landscape.CellIndex) int {
	if v.land == nil {
		return 0
	}
	return v.land.Count(i)
}

// Neighbors yields the cells within radius of i, excluding i.
func (v *View[A, C, L]) Neighbors(i landscape.CellIndex, radius int, kind landscape.Neighborhood) iter.Seq[landscape.CellIndex] {
	if v.land == nil {
		return func(func(landscape.CellIndex) bool) {}
	}
	return v.land.Neighbors(i, radius, kind)
}

// Nearby yields the agents within radius of h's cell, h's own cellmates
// included and h itself excluded.
func (v *View[A, C, L]) Nearby(h agents.Handle, radius int, kind landscape.Neighborhood) iter.Seq[agents.Handle] {
	return func(yield func(agents.Handle) bool) {
		at, ok := v.CellOf(h)
		if !ok {
			return
		}
		for c := range v.land.Around(at, radius, kind) {
			for o := range v.land.Occupants(c) {
				if o == h {
					continue
				}
				if !yield(o) {
					return
				}
			}
		}
	}
}

// LinksOf yields h's peers with the state of each link.
func (v *View[A, C, L]) LinksOf(h agents.Handle) iter.Seq2[agents.Handle, L] {
	if v.net == nil {
		return func(func(agents.Handle, L) bool) {}
	}
	return v.net.LinksOf(h)
}

// Linked reports whether a link from a to b exists.
func (v *View[A, C, L]) Linked(a, b agents.Handle) bool {
	return v.net != nil && v.net.Linked(a, b)
}

// Degree returns the number of links from h.
func (v *View[A, C, L]) Degree(h agents.Handle) int {
	if v.net == nil {
		return 0
	}
	return v.net.Degree(h)
}
