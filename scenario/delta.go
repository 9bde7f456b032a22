package scenario

import (
	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/landscape"
)

type spawnDelta[A, L any] struct {
	payload A
	at      landscape.CellIndex
	linked  bool
	parent  agents.Handle
	state   L
}

type updateDelta[A any] struct {
	h       agents.Handle
	payload A
}

type moveDelta struct {
	h  agents.Handle
	at landscape.CellIndex
}

type linkDelta[L any] struct {
	a, b   agents.Handle
	state  L
	remove bool
}

type cellDelta[C any] struct {
	i landscape.CellIndex
	c C
}

// Batch collects the structural changes a rule requests for one tick.
// Nothing is applied until the rule returns; the runner then applies kills,
// spawns, agent updates and moves, link edits and cell updates, in that order,
// each group in the order it was requested.
type Batch[A, C, L any] struct {
	kills   []agents.Handle
	spawns  []spawnDelta[A, L]
	updates []updateDelta[A]
	moves   []moveDelta
	links   []linkDelta[L]
	cells   []cellDelta[C]
}

// Kill requests the death of h.
func (d *Batch[A, C, L]) Kill(h agents.Handle) {
	d.kills = append(d.kills, h)
}

// Spawn requests a new agent placed in cell at. The cell is ignored when the
// landscape is disabled.
func (d *Batch[A, C, L]) Spawn(payload A, at landscape.CellIndex) {
	d.spawns = append(d.spawns, spawnDelta[A, L]{payload: payload, at: at})
}

// SpawnLinked requests a new agent linked to parent with the given link state.
// The link is dropped if the parent dies in the same tick.
func (d *Batch[A, C, L]) SpawnLinked(payload A, at landscape.CellIndex, parent agents.Handle, state L) {
	d.spawns = append(d.spawns, spawnDelta[A, L]{payload: payload, at: at, linked: true, parent: parent, state: state})
}

// Update replaces the payload of h.
func (d *Batch[A, C, L]) Update(h agents.Handle, payload A) {
	d.updates = append(d.updates, updateDelta[A]{h: h, payload: payload})
}

// Move relocates h to cell at, placing it if it is not on the grid yet.
func (d *Batch[A, C, L]) Move(h agents.Handle, at landscape.CellIndex) {
	d.moves = append(d.moves, moveDelta{h: h, at: at})
}

// Link requests a link from a to b.
func (d *Batch[A, C, L]) Link(a, b agents.Handle, state L) {
	d.links = append(d.links, linkDelta[L]{a: a, b: b, state: state})
}

// Unlink requests removal of the link from a to b.
func (d *Batch[A, C, L]) Unlink(a, b agents.Handle) {
	d.links = append(d.links, linkDelta[L]{a: a, b: b, remove: true})
}

// SetCell replaces the state of cell i.
func (d *Batch[A, C, L]) SetCell(i landscape.CellIndex, c C) {
	d.cells = append(d.cells, cellDelta[C]{i: i, c: c})
}

// Spawns returns the number of spawns requested so far.
func (d *Batch[A, C, L]) Spawns() int {
	return len(d.spawns)
}

// Kills returns the number of kills requested so far.
func (d *Batch[A, C, L]) Kills() int {
	return len(d.kills)
}

// Len returns the total number of requested changes.
func (d *Batch[A, C, L]) Len() int {
	return len(d.kills) + len(d.spawns) + len(d.updates) + len(d.moves) + len(d.links) + len(d.cells)
}

// Reset empties the batch, keeping its storage.
func (d *Batch[A, C, L]) Reset() {
	clear(d.spawns)
	clear(d.updates)
	clear(d.links)
	clear(d.cells)
	d.kills = d.kills[:0]
	d.spawns = d.spawns[:0]
	d.updates = d.updates[:0]
	d.moves = d.moves[:0]
	d.links = d.links[:0]
	d.cells = d.cells[:0]
}
