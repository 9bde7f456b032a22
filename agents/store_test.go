package agents

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

type recorder struct {
	purged []Handle
}

func (r *recorder) Purge(h Handle) {
	r.purged = append(r.purged, h)
}

func TestSpawnGet(t *testing.T) {
	s := NewStore[int](4)
	h := s.Spawn(7)

	if h.IsNil() {
		t.Fatal("spawned handle should not be nil")
	}
	v, ok := s.Get(h)
	if !ok || *v != 7 {
		t.Fatalf("Get(%v) = %v, %v; want 7, true", h, v, ok)
	}
	*v = 9
	if got, _ := s.Value(h); got != 9 {
		t.Errorf("Value after mutation = %d, want 9", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestNilHandleNeverResolves(t *testing.T) {
	s := NewStore[int](0)
	s.Spawn(1)
	if _, ok := s.Get(Nil); ok {
		t.Error("Nil handle resolved")
	}
	if err := s.Kill(Nil); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Kill(Nil) = %v, want ErrInvalidHandle", err)
	}
}

func TestKillInvalidatesHandleAfterReuse(t *testing.T) {
	s := NewStore[string](0)
	a := s.Spawn("a")
	if err := s.Kill(a); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := s.Get(a); ok {
		t.Fatal("killed handle still resolves")
	}

	b := s.Spawn("b")
	if b.Slot != a.Slot {
		t.Fatalf("expected slot reuse, got slot %d want %d", b.Slot, a.Slot)
	}
	if b.Gen <= a.Gen {
		t.Errorf("generation did not advance: %d -> %d", a.Gen, b.Gen)
	}
	if _, ok := s.Get(a); ok {
		t.Error("stale handle aliases the reused slot")
	}
	if v, _ := s.Value(b); v != "b" {
		t.Errorf("Value(b) = %q", v)
	}
}

func TestDoubleKill(t *testing.T) {
	s := NewStore[int](0)
	h := s.Spawn(1)
	if err := s.Kill(h); err != nil {
		t.Fatal(err)
	}
	if err := s.Kill(h); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second Kill = %v, want ErrInvalidHandle", err)
	}
	if err := s.Kill(Handle{Slot: 99, Gen: 1}); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("out-of-range Kill = %v, want ErrInvalidHandle", err)
	}
}

func TestSpawnReusesLowestFreeSlot(t *testing.T) {
	s := NewStore[int](0)
	hs := make([]Handle, 6)
	for i := range hs {
		hs[i] = s.Spawn(i)
	}
	for _, i := range []int{4, 1, 3} {
		if err := s.Kill(hs[i]); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []uint32{1, 3, 4, 6} {
		if h := s.Spawn(0); h.Slot != want {
			t.Errorf("Spawn slot = %d, want %d", h.Slot, want)
		}
	}
	if s.Cap() != 7 {
		t.Errorf("Cap = %d, want 7", s.Cap())
	}
}

func TestKillNotifiesListeners(t *testing.T) {
	s := NewStore[int](0)
	r1, r2 := &recorder{}, &recorder{}
	s.Subscribe(r1)
	s.Subscribe(r2)

	h := s.Spawn(1)
	s.Spawn(2)
	if err := s.Kill(h); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*recorder{r1, r2} {
		if len(r.purged) != 1 || r.purged[0] != h {
			t.Errorf("purged = %v, want [%v]", r.purged, h)
		}
	}
}

func TestIterationSkipsFreeSlots(t *testing.T) {
	s := NewStore[int](0)
	var hs []Handle
	for i := 0; i < 5; i++ {
		hs = append(hs, s.Spawn(i))
	}
	s.Kill(hs[0])
	s.Kill(hs[3])

	var got []int
	for _, v := range s.All() {
		got = append(got, *v)
	}
	want := []int{1, 2, 4}
	if len(got) != len(want) {
		t.Fatalf("All = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("All[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMutationDuringIterationIsDeferred(t *testing.T) {
	s := NewStore[int](0)
	rec := &recorder{}
	s.Subscribe(rec)
	a := s.Spawn(1)
	b := s.Spawn(2)
	s.Kill(a) // slot 0 free for an in-place pending spawn

	var visited int
	var spawned []Handle
	for h, v := range s.All() {
		visited++
		if err := s.Kill(h); err != nil {
			t.Fatalf("Kill during iteration: %v", err)
		}
		if err := s.Kill(h); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("second queued Kill = %v, want ErrInvalidHandle", err)
		}
		if _, ok := s.Get(h); !ok {
			t.Error("agent with queued kill should stay visible until the iteration ends")
		}
		if len(rec.purged) != 1 {
			t.Error("purge ran before the iteration finished")
		}
		spawned = append(spawned, s.Spawn(*v*10), s.Spawn(*v*100))
		for _, sh := range spawned {
			if _, ok := s.Get(sh); ok {
				t.Error("agent spawned mid-iteration resolved before flush")
			}
		}
	}

	if visited != 1 {
		t.Errorf("visited %d agents, want 1", visited)
	}
	if s.Alive(b) {
		t.Error("queued kill was not applied")
	}
	if len(rec.purged) != 2 || rec.purged[1] != b {
		t.Errorf("purged = %v", rec.purged)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	for i, want := range []int{20, 200} {
		if v, ok := s.Value(spawned[i]); !ok || v != want {
			t.Errorf("spawned[%d] = %d, %v; want %d", i, v, ok, want)
		}
	}
	if spawned[0].Slot != 0 {
		t.Errorf("first deferred spawn slot = %d, want reused slot 0", spawned[0].Slot)
	}
}

func TestEarlyBreakStillFlushes(t *testing.T) {
	s := NewStore[int](0)
	s.Spawn(1)
	s.Spawn(2)
	for range s.All() {
		s.Spawn(3)
		break
	}
	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}

func TestExhaustedGenerationRetiresSlot(t *testing.T) {
	s := NewStore[int](0)
	h := s.Spawn(1)
	s.slots[h.Slot].gen = math.MaxUint32
	h.Gen = math.MaxUint32

	if err := s.Kill(h); err != nil {
		t.Fatal(err)
	}
	if next := s.Spawn(2); next.Slot == h.Slot {
		t.Error("retired slot was reused")
	}
}

func TestCorruptFreeListPanics(t *testing.T) {
	s := NewStore[int](0)
	h := s.Spawn(1)
	s.free = append(s.free, h.Slot)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on corrupt free list")
		}
	}()
	s.Spawn(2)
}

func TestGenerationMonotonicityUnderChurn(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := NewStore[int](0)
	var live []Handle
	var dead []Handle

	for step := 0; step < 5000; step++ {
		if len(live) == 0 || rng.IntN(3) > 0 {
			live = append(live, s.Spawn(step))
			continue
		}
		i := rng.IntN(len(live))
		h := live[i]
		if err := s.Kill(h); err != nil {
			t.Fatalf("Kill(%v): %v", h, err)
		}
		live = append(live[:i], live[i+1:]...)
		dead = append(dead, h)
	}

	for _, h := range live {
		if !s.Alive(h) {
			t.Fatalf("live handle %v does not resolve", h)
		}
	}
	for _, h := range dead {
		if s.Alive(h) {
			t.Fatalf("dead handle %v resolves", h)
		}
	}
	if s.Len() != len(live) {
		t.Errorf("Len = %d, want %d", s.Len(), len(live))
	}
}

func TestHandleID(t *testing.T) {
	tests := []Handle{{0, 1}, {5, 3}, {math.MaxUint32 - 1, math.MaxUint32}}
	for _, h := range tests {
		if got := FromID(h.ID()); got != h {
			t.Errorf("FromID(ID(%v)) = %v", h, got)
		}
	}
	if (Handle{1, 2}).ID() == (Handle{2, 1}).ID() {
		t.Error("distinct handles share an ID")
	}
}
