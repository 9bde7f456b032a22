package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"
	"testing"

	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/landscape"
	"github.com/pthm-cable/tickworld/network"
	"github.com/pthm-cable/tickworld/telemetry"
)

type (
	testView  = View[int, float64, int]
	testBatch = Batch[int, float64, int]
)

func testOptions(ticks uint64) Options {
	return Options{
		TickCount: ticks,
		Landscape: LandscapeOptions{Enabled: true, Width: 8, Height: 8},
		Network:   NetworkOptions{Enabled: true},
		Metrics:   telemetry.Toggles{Agents: true, Landscape: true, Network: true},
	}
}

// seeded adds a fixed initial population to a rule.
type seeded struct {
	Rule[int, float64, int]
	n int
}

func (s seeded) Seed(v *testView, rng *rand.Rand, out *testBatch) error {
	for i := 0; i < s.n; i++ {
		out.Spawn(0, landscape.CellIndex(rng.IntN(v.Cells())))
	}
	return nil
}

// churn randomly kills, spawns, moves, updates, links and repaints cells.
func churn() Rule[int, float64, int] {
	return RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		var hs []agents.Handle
		for h, a := range v.Agents() {
			hs = append(hs, h)
			switch rng.IntN(6) {
			case 0:
				out.Kill(h)
			case 1:
				out.Spawn(a+1, landscape.CellIndex(rng.IntN(v.Cells())))
			case 2:
				out.Move(h, landscape.CellIndex(rng.IntN(v.Cells())))
			default:
				out.Update(h, a+1)
			}
		}
		for i := 0; i < len(hs)/4; i++ {
			a, b := hs[rng.IntN(len(hs))], hs[rng.IntN(len(hs))]
			if rng.IntN(3) == 0 {
				out.Unlink(a, b)
			} else {
				out.Link(a, b, i)
			}
		}
		out.SetCell(landscape.CellIndex(rng.IntN(v.Cells())), rng.Float64())
		return nil
	})
}

func fingerprint(r *Runner[int, float64, int]) string {
	var sb strings.Builder
	for h, a := range r.Store().All() {
		at, _ := r.Landscape().CellOf(h)
		fmt.Fprintf(&sb, "%s=%d@%d[", h, *a, at)
		for p, s := range r.Network().LinksOf(h) {
			fmt.Fprintf(&sb, "%s:%d ", p, s)
		}
		sb.WriteString("]")
	}
	for i, c := range r.Landscape().Cells() {
		if c != 0 {
			fmt.Fprintf(&sb, "c%d=%g", i, c)
		}
	}
	return sb.String()
}

func mustRunner(t *testing.T, sc Scenario, opts Options, rule Rule[int, float64, int], probes ...Probe[int, float64, int]) *Runner[int, float64, int] {
	t.Helper()
	r, err := New(sc, opts, rule, probes...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Options)
		field string
	}{
		{"zero ticks", func(o *Options) { o.TickCount = 0 }, "simulation.tick_count"},
		{"zero width", func(o *Options) { o.Landscape.Width = 0 }, "landscape.width"},
		{"negative height", func(o *Options) { o.Landscape.Height = -2 }, "landscape.height"},
		{"landscape metrics without landscape", func(o *Options) { o.Landscape.Enabled = false }, "metrics.landscape"},
		{"network metrics without network", func(o *Options) { o.Network.Enabled = false }, "metrics.network"},
		{"negative perf window", func(o *Options) { o.PerfWindow = -1 }, "metrics.perf_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(5)
			tt.edit(&opts)
			_, err := New(Scenario{}, opts, churn())
			var verr *config.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("New() error = %v, want validation error on %s", err, tt.field)
			}
		})
	}

	if _, err := New[int, float64, int](Scenario{}, testOptions(1), nil); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("nil rule error = %v", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	opts, err := OptionsFrom(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.TickCount != cfg.Simulation.TickCount || opts.Landscape.Width != cfg.Landscape.Width {
		t.Errorf("OptionsFrom = %+v", opts)
	}
	if !opts.Metrics.Any() || opts.Landscape.Neighborhood != landscape.Moore {
		t.Errorf("toggles/neighbourhood not carried over: %+v", opts)
	}
}

func TestLifecycleAndSamples(t *testing.T) {
	r := mustRunner(t, Scenario{Seed: 1}, testOptions(5), seeded{churn(), 10})
	if r.State() != Initialized {
		t.Fatalf("state = %v", r.State())
	}
	if err := r.Step(); err != nil {
		t.Fatal(err)
	}
	if r.State() != Running || r.Tick() != 1 {
		t.Fatalf("after one step: state=%v tick=%d", r.State(), r.Tick())
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.State() != Completed || r.Tick() != 5 {
		t.Fatalf("after run: state=%v tick=%d", r.State(), r.Tick())
	}

	samples := r.Samples()
	if len(samples) != 6 {
		t.Fatalf("got %d samples, want 6 (tick 0 plus one per tick)", len(samples))
	}
	for i, s := range samples {
		if s.Tick != uint64(i) {
			t.Errorf("sample %d has tick %d", i, s.Tick)
		}
	}
	if samples[0].Agents != 10 || samples[0].Births != 10 {
		t.Errorf("tick 0 sample = %+v", samples[0])
	}

	samples[0].Agents = -1
	if r.Samples()[0].Agents == -1 {
		t.Error("Samples exposes internal storage")
	}

	if err := r.Step(); !errors.Is(err, ErrFinished) {
		t.Errorf("Step after completion = %v", err)
	}
}

func TestNoSamplesWithMetricsOff(t *testing.T) {
	opts := testOptions(3)
	opts.Metrics = telemetry.Toggles{}
	r := mustRunner(t, Scenario{}, opts, seeded{churn(), 5})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Samples()); n != 0 {
		t.Errorf("got %d samples with metrics disabled", n)
	}
}

func TestDeltaOrder(t *testing.T) {
	var first []agents.Handle
	rule := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		if v.Tick() == 0 {
			for h := range v.Agents() {
				first = append(first, h)
			}
			a, b, c := first[0], first[1], first[2]
			// Emitted in reverse of application order.
			out.SetCell(3, 9)
			out.Link(a, c, 1)
			out.Update(b, 42)
			out.Move(c, 3)
			out.SpawnLinked(7, 3, b, 5)
			out.Spawn(8, 4)
			out.Kill(b)
			out.Kill(b)
		}
		return nil
	})
	r := mustRunner(t, Scenario{}, testOptions(1), seeded{rule, 3})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	a, b, c := first[0], first[1], first[2]
	if r.Store().Alive(b) {
		t.Fatal("b survived")
	}
	// Kills run before spawns, so the first spawn takes b's freed slot.
	child := agents.Handle{Slot: b.Slot, Gen: b.Gen + 1}
	if v, ok := r.Store().Value(child); !ok || v != 7 {
		t.Errorf("spawn did not reuse the killed slot: %v %v", v, ok)
	}
	if r.Network().Degree(child) != 0 {
		t.Error("child linked to a parent killed in the same tick")
	}
	if !r.Network().Linked(a, c) {
		t.Error("link a-c missing")
	}
	if at, _ := r.Landscape().CellOf(c); at != 3 {
		t.Errorf("c at %d, want 3", at)
	}
	if r.Landscape().Cell(3) != 9 {
		t.Error("cell update missing")
	}

	rep := r.Report()
	if rep.Killed != 1 || rep.Spawned != 5 || rep.Linked != 1 || rep.Moved != 1 || rep.CellUpdates != 1 {
		t.Errorf("report = %+v", rep)
	}
	// The second kill, the update and the parent link name b, which died this tick.
	if rep.Invalid != 0 || rep.Superseded != 3 {
		t.Errorf("invalid=%d superseded=%d, want 0 and 3", rep.Invalid, rep.Superseded)
	}
}

func TestStaleHandleIsCountedNotFatal(t *testing.T) {
	var victim agents.Handle
	rule := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		switch v.Tick() {
		case 0:
			for h := range v.Agents() {
				victim = h
				break
			}
			out.Kill(victim)
		case 2:
			out.Update(victim, 1)
			out.Kill(victim)
			out.Move(victim, 0)
		}
		return nil
	})
	r := mustRunner(t, Scenario{}, testOptions(4), seeded{rule, 2})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.State() != Completed {
		t.Fatalf("state = %v", r.State())
	}
	if got := r.Report().Invalid; got != 3 {
		t.Errorf("Invalid = %d, want 3", got)
	}
	if got := r.Samples()[3].Invalid; got != 3 {
		t.Errorf("tick 3 sample Invalid = %d, want 3", got)
	}
}

func TestDuplicateLinks(t *testing.T) {
	rule := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		var hs []agents.Handle
		for h := range v.Agents() {
			hs = append(hs, h)
		}
		out.Link(hs[0], hs[1], 1)
		out.Link(hs[1], hs[0], 2)
		out.Link(hs[0], hs[0], 3)
		return nil
	})

	t.Run("lenient", func(t *testing.T) {
		r := mustRunner(t, Scenario{}, testOptions(1), seeded{rule, 2})
		if err := r.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		if rep := r.Report(); rep.Linked != 1 || rep.RejectedLinks != 2 {
			t.Errorf("report = %+v", rep)
		}
	})

	t.Run("strict", func(t *testing.T) {
		opts := testOptions(1)
		opts.Network.StrictDuplicates = true
		r := mustRunner(t, Scenario{}, opts, seeded{rule, 2})
		err := r.Run(context.Background())
		if !errors.Is(err, network.ErrDuplicateLink) {
			t.Fatalf("Run = %v, want ErrDuplicateLink", err)
		}
		if r.State() != Failed || !errors.Is(r.Err(), network.ErrDuplicateLink) {
			t.Errorf("state=%v err=%v", r.State(), r.Err())
		}
	})
}

func TestRuleErrorFailsScenario(t *testing.T) {
	boom := errors.New("boom")
	rule := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		if v.Tick() == 2 {
			return boom
		}
		return nil
	})
	r := mustRunner(t, Scenario{}, testOptions(5), rule)
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v", err)
	}
	if r.State() != Failed || r.Tick() != 2 || len(r.Samples()) != 3 {
		t.Errorf("state=%v tick=%d samples=%d", r.State(), r.Tick(), len(r.Samples()))
	}
}

func TestDisabledSubsystems(t *testing.T) {
	opts := Options{TickCount: 2, Metrics: telemetry.Toggles{Agents: true}}

	move := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		out.SetCell(0, 1)
		return nil
	})
	if err := mustRunner(t, Scenario{}, opts, move).Run(context.Background()); !errors.Is(err, ErrNoLandscape) {
		t.Errorf("cell update without landscape = %v", err)
	}

	link := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		out.Link(agents.Handle{Slot: 0, Gen: 1}, agents.Handle{Slot: 1, Gen: 1}, 0)
		return nil
	})
	if err := mustRunner(t, Scenario{}, opts, link).Run(context.Background()); !errors.Is(err, ErrNoNetwork) {
		t.Errorf("link without network = %v", err)
	}

	// Spawns ignore their cell and parent link when the subsystems are off.
	noop := RuleFunc[int, float64, int](func(*testView, *rand.Rand, *testBatch) error { return nil })
	spawn := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		out.Spawn(1, 99)
		out.SpawnLinked(2, 5, agents.Handle{Slot: 0, Gen: 1}, 0)
		return nil
	})
	r := mustRunner(t, Scenario{}, opts, seederFunc{noop, spawn})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Store().Len() != 2 || r.Report().Linked != 0 {
		t.Errorf("population=%d report=%+v", r.Store().Len(), r.Report())
	}
	if r.View().Landscape() || r.View().Network() || r.View().Cells() != 0 {
		t.Error("view reports disabled subsystems as enabled")
	}
	if i := r.View().Wrap(3, 4); i != 0 {
		t.Errorf("Wrap without landscape = %d", i)
	}
	if x, y := r.View().Coords(7); x != 0 || y != 0 {
		t.Errorf("Coords without landscape = %d,%d", x, y)
	}
}

func TestCancellationAbandonsBetweenTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rule := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		if v.Tick() == 3 {
			cancel()
		}
		return nil
	})
	r := mustRunner(t, Scenario{}, testOptions(10), rule)
	err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	// The tick in which cancel was called still completes.
	if r.State() != Abandoned || r.Tick() != 4 {
		t.Errorf("state=%v tick=%d, want abandoned at 4", r.State(), r.Tick())
	}
}

func TestDeterministicForSeed(t *testing.T) {
	run := func(seed uint64) (string, []telemetry.Sample) {
		r := mustRunner(t, Scenario{Seed: seed}, testOptions(30), seeded{churn(), 40})
		if err := r.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		return fingerprint(r), r.Samples()
	}
	fa, sa := run(99)
	fb, sb := run(99)
	if fa != fb || !reflect.DeepEqual(sa, sb) {
		t.Error("same seed produced different trajectories")
	}
	if fc, _ := run(100); fc == fa {
		t.Error("different seeds produced identical trajectories")
	}
}

func TestMetricsDoNotChangeTrajectory(t *testing.T) {
	toggles := []telemetry.Toggles{
		{},
		{Agents: true},
		{Landscape: true},
		{Network: true},
		{Agents: true, Landscape: true, Network: true},
	}
	probe := func(v *testView) []telemetry.Observation {
		n := 0
		for range v.Agents() {
			n++
		}
		return []telemetry.Observation{telemetry.Observe("walked", float64(n))}
	}

	var want string
	var wantReport StepReport
	for i, tg := range toggles {
		opts := testOptions(25)
		opts.Metrics = tg
		opts.PerfWindow = 5 * (i % 2)
		r := mustRunner(t, Scenario{Seed: 5}, opts, seeded{churn(), 30}, probe)
		if err := r.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		got := fingerprint(r)
		if i == 0 {
			want, wantReport = got, r.Report()
			continue
		}
		if got != want || r.Report() != wantReport {
			t.Errorf("toggles %+v changed the trajectory", tg)
		}
	}
}

func TestProbesAndPerf(t *testing.T) {
	opts := testOptions(4)
	opts.PerfWindow = 2
	probe := func(v *testView) []telemetry.Observation {
		return []telemetry.Observation{telemetry.Observe("population", float64(v.Population()))}
	}
	r := mustRunner(t, Scenario{Index: 3}, opts, seeded{churn(), 6}, probe)
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, s := range r.Samples() {
		if len(s.Observations) != 1 {
			t.Fatalf("tick %d: %d observations", s.Tick, len(s.Observations))
		}
		o := s.Observations[0]
		if o.Scenario != 3 || o.Tick != s.Tick || o.Value != float64(s.Agents) {
			t.Errorf("observation %+v does not match sample %+v", o, s)
		}
	}
	perf := r.Perf()
	if len(perf) != 2 || perf[0].WindowEnd != 2 || perf[1].Scenario != 3 {
		t.Errorf("perf rows = %+v", perf)
	}
}

func TestNearbyExcludesSelf(t *testing.T) {
	var counts []int
	rule := PerAgent(func(v *testView, h agents.Handle, a int, rng *rand.Rand, out *testBatch) error {
		n := 0
		for o := range v.Nearby(h, 1, landscape.Moore) {
			if o == h {
				return errors.New("Nearby yielded self")
			}
			n++
		}
		counts = append(counts, n)
		return nil
	})
	place := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		out.Spawn(0, v.Wrap(0, 0))
		out.Spawn(0, v.Wrap(0, 0))
		out.Spawn(0, v.Wrap(-1, -1))
		out.Spawn(0, v.Wrap(4, 4))
		return nil
	})
	r := mustRunner(t, Scenario{}, testOptions(1), seederFunc{rule, place})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []int{2, 2, 2, 0}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("Nearby counts = %v, want %v", counts, want)
	}
}

type seederFunc struct {
	Rule[int, float64, int]
	seed RuleFunc[int, float64, int]
}

func (s seederFunc) Seed(v *testView, rng *rand.Rand, out *testBatch) error {
	return s.seed(v, rng, out)
}

func TestExtinctionIsBookmarked(t *testing.T) {
	cull := RuleFunc[int, float64, int](func(v *testView, rng *rand.Rand, out *testBatch) error {
		if v.Tick() == 2 {
			for h := range v.Agents() {
				out.Kill(h)
			}
		}
		return nil
	})
	r := mustRunner(t, Scenario{Index: 4}, testOptions(5), seeded{cull, 12})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, b := range r.Bookmarks() {
		if b.Type == telemetry.BookmarkExtinction {
			found = b.Tick == 3 && b.Scenario == 4
		}
	}
	if !found {
		t.Errorf("bookmarks = %+v, want extinction at tick 3", r.Bookmarks())
	}

	opts := testOptions(5)
	opts.Metrics = telemetry.Toggles{}
	quiet := mustRunner(t, Scenario{}, opts, seeded{cull, 12})
	if err := quiet.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(quiet.Bookmarks()) != 0 {
		t.Error("bookmarks recorded with metrics off")
	}
}
