// Package landscape provides the wrapped (toroidal) grid agents live on.
package landscape

import (
	"iter"
	"slices"

	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/config"
)

// CellIndex is a wrapped linear cell index in [0, W*H).
type CellIndex int

// Wrap maps any integer coordinate pair onto a w×h torus.
// It is total, idempotent and periodic in both axes.
func Wrap(x, y, w, h int) CellIndex {
	return CellIndex(mod(y, h)*w + mod(x, w))
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

// Landscape holds per-cell state of type C and the set of agents located in each cell.
type Landscape[C any] struct {
	width  int
	height int
	cells  []C

	occupants [][]agents.Handle
	location  map[agents.Handle]CellIndex
	alive     agents.Liveness
}

// New creates a w×h landscape. alive may be nil if occupancy is not used.
func New[C any](w, h int, alive agents.Liveness) (*Landscape[C], error) {
	if w <= 0 {
		return nil, config.Invalid("landscape.width", "must be positive")
	}
	if h <= 0 {
		return nil, config.Invalid("landscape.height", "must be positive")
	}
	return &Landscape[C]{
		width:     w,
		height:    h,
		cells:     make([]C, w*h),
		occupants: make([][]agents.Handle, w*h),
		location:  make(map[agents.Handle]CellIndex),
		alive:     alive,
	}, nil
}

// Width returns the grid width.
func (l *Landscape[C]) Width() int { return l.width }

// Height returns the grid height.
func (l *Landscape[C]) Height() int { return l.height }

// Len returns the number of cells.
func (l *Landscape[C]) Len() int { return len(l.cells) }

// Wrap maps (x, y) onto this grid.
func (l *Landscape[C]) Wrap(x, y int) CellIndex {
	return Wrap(x, y, l.width, l.height)
}

// Coords returns the in-range coordinates of a cell.
func (l *Landscape[C]) Coords(i CellIndex) (x, y int) {
	i = l.norm(i)
	return int(i) % l.width, int(i) / l.width
}

// norm folds an out-of-range index back onto the grid.
func (l *Landscape[C]) norm(i CellIndex) CellIndex {
	return CellIndex(mod(int(i), len(l.cells)))
}

// Cell returns a copy of the state of cell i.
func (l *Landscape[C]) Cell(i CellIndex) C {
	return l.cells[l.norm(i)]
}

// CellPtr returns a mutable pointer to the state of cell i.
func (l *Landscape[C]) CellPtr(i CellIndex) *C {
	return &l.cells[l.norm(i)]
}

// SetCell replaces the state of cell i.
func (l *Landscape[C]) SetCell(i CellIndex, c C) {
	l.cells[l.norm(i)] = c
}

// Fill initialises every cell from its coordinates.
func (l *Landscape[C]) Fill(fn func(x, y int) C) {
	for i := range l.cells {
		l.cells[i] = fn(i%l.width, i/l.width)
	}
}

// Cells yields every cell index and state in index order.
func (l *Landscape[C]) Cells() iter.Seq2[CellIndex, C] {
	return func(yield func(CellIndex, C) bool) {
		for i, c := range l.cells {
			if !yield(CellIndex(i), c) {
				return
			}
		}
	}
}

// Place puts h in cell i. It returns false for a dead handle or one already placed.
func (l *Landscape[C]) Place(h agents.Handle, i CellIndex) bool {
	if l.alive != nil && !l.alive.Alive(h) {
		return false
	}
	if _, ok := l.location[h]; ok {
		return false
	}
	i = l.norm(i)
	l.occupants[i] = append(l.occupants[i], h)
	l.location[h] = i
	return true
}

// Move relocates an already placed agent.
func (l *Landscape[C]) Move(h agents.Handle, i CellIndex) bool {
	if l.alive != nil && !l.alive.Alive(h) {
		return false
	}
	from, ok := l.location[h]
	if !ok {
		return false
	}
	i = l.norm(i)
	if from == i {
		return true
	}
	l.detach(h, from)
	l.occupants[i] = append(l.occupants[i], h)
	l.location[h] = i
	return true
}

// Remove takes h off the grid.
func (l *Landscape[C]) Remove(h agents.Handle) bool {
	at, ok := l.location[h]
	if !ok {
		return false
	}
	l.detach(h, at)
	delete(l.location, h)
	return true
}

// Purge drops every reference to a dead agent.
func (l *Landscape[C]) Purge(h agents.Handle) {
	l.Remove(h)
}

// detach removes h from a cell list, preserving the order of the others.
func (l *Landscape[C]) detach(h agents.Handle, at CellIndex) {
	list := l.occupants[at]
	if idx := slices.Index(list, h); idx >= 0 {
		l.occupants[at] = slices.Delete(list, idx, idx+1)
	}
}

// CellOf returns the cell an agent occupies.
func (l *Landscape[C]) CellOf(h agents.Handle) (CellIndex, bool) {
	i, ok := l.location[h]
	return i, ok
}

// Occupants yields the agents in cell i in arrival order.
func (l *Landscape[C]) Occupants(i CellIndex) iter.Seq[agents.Handle] {
	return slices.Values(l.occupants[l.norm(i)])
}

// Count returns the number of agents in cell i.
func (l *Landscape[C]) Count(i CellIndex) int {
	return len(l.occupants[l.norm(i)])
}

// Placed returns the number of agents on the grid.
func (l *Landscape[C]) Placed() int {
	return len(l.location)
}
