// Package agents provides the generational arena that owns every agent record.
package agents

import (
	"errors"
	"fmt"
)

// ErrInvalidHandle is returned when a handle is stale, refers to a free slot,
// or names an agent whose death is already queued.
var ErrInvalidHandle = errors.New("agents: invalid handle")

// Handle identifies one agent across its lifetime.
// Generations start at 1, so the zero Handle never names a live agent.
type Handle struct {
	Slot uint32
	Gen  uint32
}

// Nil is the handle that never resolves.
var Nil Handle

// IsNil reports whether h is the zero handle.
func (h Handle) IsNil() bool {
	return h.Gen == 0
}

// ID packs slot and generation into a single int64, suitable as a graph node ID.
// Two handles share an ID only if they are equal.
func (h Handle) ID() int64 {
	return int64(uint64(h.Gen)<<32 | uint64(h.Slot))
}

// FromID is the inverse of Handle.ID.
func FromID(id int64) Handle {
	u := uint64(id)
	return Handle{Slot: uint32(u), Gen: uint32(u >> 32)}
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.Slot, h.Gen)
}

// Compare orders handles by slot, then generation.
func Compare(a, b Handle) int {
	switch {
	case a.Slot < b.Slot:
		return -1
	case a.Slot > b.Slot:
		return 1
	case a.Gen < b.Gen:
		return -1
	case a.Gen > b.Gen:
		return 1
	}
	return 0
}

// Liveness answers whether a handle still names a live agent.
type Liveness interface {
	Alive(h Handle) bool
}

// KillListener is notified when an agent dies so it can drop every reference to it.
type KillListener interface {
	Purge(h Handle)
}

func invalid(h Handle) error {
	return fmt.Errorf("%w: %s", ErrInvalidHandle, h)
}
