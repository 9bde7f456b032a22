package agents

import (
	"container/heap"
	"fmt"
	"iter"
	"math"
)

type slotState uint8

const (
	slotFree slotState = iota
	slotLive
	slotPending // spawned mid-iteration, becomes live at flush
	slotRetired // generation exhausted, never reused
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotLive:
		return "live"
	case slotPending:
		return "pending"
	case slotRetired:
		return "retired"
	}
	return fmt.Sprintf("slotState(%d)", uint8(s))
}

type slot[T any] struct {
	gen   uint32
	state slotState
	dying bool // kill queued during iteration
	val   T
}

// freeList is a min-heap of free slot indices so spawn always reuses the lowest one.
type freeList []uint32

func (f freeList) Len() int           { return len(f) }
func (f freeList) Less(i, j int) bool { return f[i] < f[j] }
func (f freeList) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *freeList) Push(x any)        { *f = append(*f, x.(uint32)) }
func (f *freeList) Pop() any {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}

// Store is a slot-reuse arena of agent payloads addressed by generational handles.
//
// Spawns and kills requested while an iteration from All is in progress are queued
// and applied when the outermost iteration finishes. Slots are never reallocated
// mid-iteration, so payload pointers yielded by All stay valid for the whole loop.
type Store[T any] struct {
	slots []slot[T]
	free  freeList
	live  int

	iterating     int
	pendingSpawns []uint32
	pendingAppend []T
	pendingKills  []Handle

	listeners []KillListener
}

// NewStore creates a store with room for capacity agents before growing.
func NewStore[T any](capacity int) *Store[T] {
	return &Store[T]{
		slots: make([]slot[T], 0, capacity),
	}
}

// Subscribe registers l to be purged of every handle that dies.
func (s *Store[T]) Subscribe(l KillListener) {
	s.listeners = append(s.listeners, l)
}

// Spawn stores v and returns its handle.
// Mid-iteration the handle is reserved but does not resolve until the iteration ends.
func (s *Store[T]) Spawn(v T) Handle {
	if s.iterating > 0 {
		return s.spawnDeferred(v)
	}

	idx := s.allocSlot()
	sl := &s.slots[idx]
	sl.state = slotLive
	sl.val = v
	s.live++
	return Handle{Slot: idx, Gen: sl.gen}
}

func (s *Store[T]) spawnDeferred(v T) Handle {
	if s.free.Len() > 0 {
		idx := s.popFree()
		sl := &s.slots[idx]
		sl.state = slotPending
		sl.val = v
		s.pendingSpawns = append(s.pendingSpawns, idx)
		return Handle{Slot: idx, Gen: sl.gen}
	}

	idx := len(s.slots) + len(s.pendingAppend)
	if idx >= math.MaxUint32 {
		panic("agents: arena exhausted")
	}
	s.pendingAppend = append(s.pendingAppend, v)
	return Handle{Slot: uint32(idx), Gen: 1}
}

func (s *Store[T]) allocSlot() uint32 {
	if s.free.Len() > 0 {
		return s.popFree()
	}
	if len(s.slots) >= math.MaxUint32 {
		panic("agents: arena exhausted")
	}
	s.slots = append(s.slots, slot[T]{gen: 1})
	return uint32(len(s.slots) - 1)
}

func (s *Store[T]) popFree() uint32 {
	idx := heap.Pop(&s.free).(uint32)
	if int(idx) >= len(s.slots) {
		panic(fmt.Sprintf("agents: free list holds out-of-range slot %d", idx))
	}
	if st := s.slots[idx].state; st != slotFree {
		panic(fmt.Sprintf("agents: free list holds slot %d in state %s", idx, st))
	}
	return idx
}

// Kill destroys the agent named by h and purges it from every subscriber.
// It fails with ErrInvalidHandle for a stale handle, a free slot, a handle spawned
// during the current iteration, or a kill that is already queued.
func (s *Store[T]) Kill(h Handle) error {
	if int(h.Slot) >= len(s.slots) {
		return invalid(h)
	}
	sl := &s.slots[h.Slot]
	if sl.gen != h.Gen || sl.state != slotLive || sl.dying {
		return invalid(h)
	}

	if s.iterating > 0 {
		sl.dying = true
		s.pendingKills = append(s.pendingKills, h)
		return nil
	}

	s.release(h)
	return nil
}

func (s *Store[T]) release(h Handle) {
	sl := &s.slots[h.Slot]
	if sl.gen != h.Gen || sl.state != slotLive {
		panic(fmt.Sprintf("agents: releasing %s but slot is gen %d %s", h, sl.gen, sl.state))
	}

	var zero T
	sl.val = zero
	sl.dying = false
	s.live--

	if sl.gen == math.MaxUint32 {
		sl.state = slotRetired
	} else {
		sl.gen++
		sl.state = slotFree
		heap.Push(&s.free, h.Slot)
	}

	for _, l := range s.listeners {
		l.Purge(h)
	}
}

// Get returns a mutable pointer to the payload of a live agent.
func (s *Store[T]) Get(h Handle) (*T, bool) {
	if int(h.Slot) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[h.Slot]
	if sl.gen != h.Gen || sl.state != slotLive {
		return nil, false
	}
	return &sl.val, true
}

// Value returns a copy of the payload of a live agent.
func (s *Store[T]) Value(h Handle) (T, bool) {
	p, ok := s.Get(h)
	if !ok {
		var zero T
		return zero, false
	}
	return *p, true
}

// Alive reports whether h names a live agent.
func (s *Store[T]) Alive(h Handle) bool {
	_, ok := s.Get(h)
	return ok
}

// Len returns the number of live agents.
func (s *Store[T]) Len() int {
	return s.live
}

// Cap returns the number of slots in the arena, live or not.
func (s *Store[T]) Cap() int {
	return len(s.slots)
}

// All yields every live agent in slot order.
func (s *Store[T]) All() iter.Seq2[Handle, *T] {
	return func(yield func(Handle, *T) bool) {
		s.iterating++
		defer s.endIteration()

		n := len(s.slots)
		for i := 0; i < n; i++ {
			sl := &s.slots[i]
			if sl.state != slotLive {
				continue
			}
			if !yield(Handle{Slot: uint32(i), Gen: sl.gen}, &sl.val) {
				return
			}
		}
	}
}

// Handles returns the handles of all live agents in slot order.
func (s *Store[T]) Handles() []Handle {
	out := make([]Handle, 0, s.live)
	for i := range s.slots {
		if s.slots[i].state == slotLive {
			out = append(out, Handle{Slot: uint32(i), Gen: s.slots[i].gen})
		}
	}
	return out
}

func (s *Store[T]) endIteration() {
	s.iterating--
	if s.iterating > 0 {
		return
	}

	for _, idx := range s.pendingSpawns {
		s.slots[idx].state = slotLive
		s.live++
	}
	s.pendingSpawns = s.pendingSpawns[:0]

	for _, v := range s.pendingAppend {
		s.slots = append(s.slots, slot[T]{gen: 1, state: slotLive, val: v})
		s.live++
	}
	clear(s.pendingAppend)
	s.pendingAppend = s.pendingAppend[:0]

	kills := s.pendingKills
	s.pendingKills = nil
	for _, h := range kills {
		s.release(h)
	}
}
