package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/landscape"
	"github.com/pthm-cable/tickworld/network"
	"github.com/pthm-cable/tickworld/telemetry"
)

var (
	ErrFinished    = errors.New("scenario: already finished")
	ErrNoLandscape = errors.New("scenario: landscape is disabled")
	ErrNoNetwork   = errors.New("scenario: network is disabled")
)

// streamSalt separates the two PCG words so adjacent seeds do not share state.
const streamSalt = 0xda942042e4dd58b5

// bookmarkHistory is the number of samples a bookmark detector compares against.
const bookmarkHistory = 20

// StepReport counts what the runner did with the requested deltas.
type StepReport struct {
	Ticks       uint64
	Spawned     int
	Killed      int
	Updated     int
	Moved       int
	Linked      int
	Unlinked    int
	CellUpdates int

	// Invalid counts deltas naming an agent that was already dead.
	Invalid int
	// Superseded counts deltas naming an agent killed earlier in the same tick.
	Superseded int
	// RejectedLinks counts self links, duplicate links and missing unlinks.
	RejectedLinks int
}

// Runner owns one scenario's store, landscape, network and random stream and
// advances them tick by tick.
type Runner[A, C, L any] struct {
	sc     Scenario
	opts   Options
	rule   Rule[A, C, L]
	probes []Probe[A, C, L]
	logger *slog.Logger
	rng    *rand.Rand

	store *agents.Store[A]
	land  *landscape.Landscape[C]
	net   *network.Network[L]
	view  *View[A, C, L]
	batch Batch[A, C, L]

	state   State
	tick    uint64
	err     error
	samples []telemetry.Sample
	report  StepReport

	collector  telemetry.Collector
	marks      *telemetry.BookmarkDetector
	bookmarks  []telemetry.Bookmark
	perf       *telemetry.PerfCollector
	perfRows   []telemetry.PerfStatsCSV
	killed     map[agents.Handle]struct{}
	spawnLinks []linkDelta[L]
}

// New builds a runner in the Initialized state. Invalid options are reported as a
// *config.ValidationError before anything is allocated.
func New[A, C, L any](sc Scenario, opts Options, rule Rule[A, C, L], probes ...Probe[A, C, L]) (*Runner[A, C, L], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, config.Invalid("model.rule", "must be set")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner[A, C, L]{
		sc:     sc,
		opts:   opts,
		rule:   rule,
		probes: probes,
		logger: logger.With("scenario", sc.Index),
		rng:    rand.New(rand.NewPCG(sc.Seed, sc.Seed^streamSalt)),
		store:  agents.NewStore[A](opts.Capacity),
		killed: make(map[agents.Handle]struct{}),
	}

	if opts.Landscape.Enabled {
		land, err := landscape.New[C](opts.Landscape.Width, opts.Landscape.Height, r.store)
		if err != nil {
			return nil, err
		}
		r.land = land
		r.store.Subscribe(land)
	}
	if opts.Network.Enabled {
		r.net = network.New[L](r.store, network.Options{Directed: opts.Network.Directed})
		r.store.Subscribe(r.net)
	}
	if opts.Metrics.Agents {
		r.marks = telemetry.NewBookmarkDetector(bookmarkHistory)
	}
	if opts.PerfWindow > 0 {
		r.perf = telemetry.NewPerfCollector(opts.PerfWindow)
	}

	r.view = &View[A, C, L]{
		tick:   &r.tick,
		params: sc.Params,
		kind:   opts.Landscape.Neighborhood,
		store:  r.store,
		land:   r.land,
		net:    r.net,
	}
	return r, nil
}

// Bookmarks returns the notable moments detected so far. Detection needs agent
// metrics.
func (r *Runner[A, C, L]) Bookmarks() []telemetry.Bookmark {
	return slices.Clone(r.bookmarks)
}

// Scenario returns the scenario being run.
func (r *Runner[A, C, L]) Scenario() Scenario { return r.sc }

// State returns the lifecycle state.
func (r *Runner[A, C, L]) State() State { return r.state }

// Tick returns the number of completed ticks.
func (r *Runner[A, C, L]) Tick() uint64 { return r.tick }

// Err returns the error that failed or abandoned the scenario.
func (r *Runner[A, C, L]) Err() error { return r.err }

// Report returns cumulative delta counts.
func (r *Runner[A, C, L]) Report() StepReport { return r.report }

// Store returns the agent store.
func (r *Runner[A, C, L]) Store() *agents.Store[A] { return r.store }

// Landscape returns the grid, or nil when disabled.
func (r *Runner[A, C, L]) Landscape() *landscape.Landscape[C] { return r.land }

// Network returns the link network, or nil when disabled.
func (r *Runner[A, C, L]) Network() *network.Network[L] { return r.net }

// View returns the read-only view rules and probes receive.
func (r *Runner[A, C, L]) View() *View[A, C, L] { return r.view }

// Samples returns a copy of the samples taken so far, tick-ascending.
func (r *Runner[A, C, L]) Samples() []telemetry.Sample {
	return slices.Clone(r.samples)
}

// Perf returns the perf rows recorded so far.
func (r *Runner[A, C, L]) Perf() []telemetry.PerfStatsCSV {
	return slices.Clone(r.perfRows)
}

// Run steps the scenario until it completes, fails or ctx is cancelled.
// Cancellation is only observed between ticks.
func (r *Runner[A, C, L]) Run(ctx context.Context) error {
	for !r.state.Terminal() {
		if err := ctx.Err(); err != nil {
			r.state = Abandoned
			r.err = fmt.Errorf("abandoned after tick %d: %w", r.tick, err)
			r.logger.Info("scenario_abandoned", "tick", r.tick)
			return r.err
		}
		if err := r.Step(); err != nil {
			return err
		}
	}
	return r.err
}

// Step runs one tick: the rule observes the current state and fills a batch,
// the batch is applied, then a sample is taken if any metric is enabled.
// The first call also seeds the scenario and takes the tick 0 sample.
func (r *Runner[A, C, L]) Step() error {
	if r.state.Terminal() {
		return fmt.Errorf("%w (%s)", ErrFinished, r.state)
	}
	if r.state == Initialized {
		if err := r.start(); err != nil {
			return r.fail(err)
		}
	}

	if r.perf != nil {
		r.perf.StartTick()
	}
	r.phase(telemetry.PhaseRule)
	r.batch.Reset()
	if err := r.rule.Step(r.view, r.rng, &r.batch); err != nil {
		return r.fail(fmt.Errorf("tick %d: rule: %w", r.tick+1, err))
	}
	if err := r.apply(&r.batch); err != nil {
		return r.fail(fmt.Errorf("tick %d: %w", r.tick+1, err))
	}
	r.tick++
	r.report.Ticks = r.tick

	r.phase(telemetry.PhaseMetrics)
	r.sample()
	r.endPerf()

	if r.tick >= r.opts.TickCount {
		r.state = Completed
		r.logger.Debug("scenario_completed",
			"ticks", r.tick,
			"agents", r.store.Len(),
			"spawned", r.report.Spawned,
			"killed", r.report.Killed,
			"invalid", r.report.Invalid,
		)
	}
	return nil
}

func (r *Runner[A, C, L]) start() error {
	r.state = Running
	r.logger.Debug("scenario_started", "seed", r.sc.Seed, "ticks", r.opts.TickCount, "params", r.sc.Params.String())

	if s, ok := r.rule.(Seeder[A, C, L]); ok {
		r.batch.Reset()
		if err := s.Seed(r.view, r.rng, &r.batch); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		if err := r.apply(&r.batch); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	r.sample()
	return nil
}

func (r *Runner[A, C, L]) fail(err error) error {
	r.state = Failed
	r.err = err
	r.logger.Warn("scenario_failed", "tick", r.tick, "error", err)
	return err
}

func (r *Runner[A, C, L]) phase(name string) {
	if r.perf != nil {
		r.perf.StartPhase(name)
	}
}

func (r *Runner[A, C, L]) endPerf() {
	if r.perf == nil {
		return
	}
	r.perf.EndTick()
	if r.tick%uint64(r.perf.WindowSize()) != 0 {
		return
	}
	stats := r.perf.Stats()
	r.perfRows = append(r.perfRows, stats.ToCSV(r.sc.Index, r.tick))
	stats.LogStats(r.logger, "tick", r.tick)
}

// apply executes a batch in the fixed order kills, spawns, updates and moves,
// link edits, cell updates.
func (r *Runner[A, C, L]) apply(b *Batch[A, C, L]) error {
	if r.land == nil && (len(b.moves) > 0 || len(b.cells) > 0) {
		return ErrNoLandscape
	}
	if r.net == nil && len(b.links) > 0 {
		return ErrNoNetwork
	}

	clear(r.killed)
	r.phase(telemetry.PhaseKills)
	for _, h := range b.kills {
		if _, ok := r.killed[h]; ok {
			r.drop("kill", h)
			continue
		}
		if err := r.store.Kill(h); err != nil {
			r.drop("kill", h)
			continue
		}
		r.killed[h] = struct{}{}
		r.report.Killed++
		r.collector.RecordDeath()
	}

	r.phase(telemetry.PhaseSpawns)
	clear(r.spawnLinks)
	r.spawnLinks = r.spawnLinks[:0]
	for _, s := range b.spawns {
		h := r.store.Spawn(s.payload)
		r.report.Spawned++
		r.collector.RecordBirth()
		if r.land != nil {
			r.land.Place(h, s.at)
		}
		if s.linked && r.net != nil {
			r.spawnLinks = append(r.spawnLinks, linkDelta[L]{a: s.parent, b: h, state: s.state})
		}
	}

	r.phase(telemetry.PhaseUpdates)
	for _, u := range b.updates {
		p, ok := r.store.Get(u.h)
		if !ok {
			r.drop("update", u.h)
			continue
		}
		*p = u.payload
		r.report.Updated++
	}
	for _, m := range b.moves {
		if !r.store.Alive(m.h) {
			r.drop("move", m.h)
			continue
		}
		if !r.land.Move(m.h, m.at) {
			r.land.Place(m.h, m.at)
		}
		r.report.Moved++
	}

	r.phase(telemetry.PhaseLinks)
	for _, e := range r.spawnLinks {
		if err := r.applyLink(e); err != nil {
			return err
		}
	}
	for _, e := range b.links {
		if err := r.applyLink(e); err != nil {
			return err
		}
	}

	r.phase(telemetry.PhaseCells)
	for _, c := range b.cells {
		r.land.SetCell(c.i, c.c)
		r.report.CellUpdates++
	}
	return nil
}

func (r *Runner[A, C, L]) applyLink(e linkDelta[L]) error {
	var err error
	if e.remove {
		err = r.net.TryUnlink(e.a, e.b)
	} else {
		err = r.net.TryLink(e.a, e.b, e.state)
	}

	switch {
	case err == nil && e.remove:
		r.report.Unlinked++
	case err == nil:
		r.report.Linked++
	case errors.Is(err, network.ErrStaleEndpoint):
		op, h := "link", e.a
		if e.remove {
			op = "unlink"
		}
		if r.store.Alive(h) {
			h = e.b
		}
		r.drop(op, h)
	case errors.Is(err, network.ErrDuplicateLink) && r.opts.Network.StrictDuplicates:
		return err
	default:
		r.report.RejectedLinks++
	}
	return nil
}

// drop records a delta naming a dead agent. Agents killed earlier in the same
// tick are expected casualties and are not counted as invalid.
func (r *Runner[A, C, L]) drop(op string, h agents.Handle) {
	if _, ok := r.killed[h]; ok {
		r.report.Superseded++
		return
	}
	r.report.Invalid++
	r.collector.RecordInvalid()
	r.logger.Debug("invalid_handle", "tick", r.tick+1, "op", op, "agent", h.String())
}

func (r *Runner[A, C, L]) sample() {
	if !r.opts.Metrics.Any() {
		r.collector = telemetry.Collector{}
		return
	}

	s := telemetry.Aggregate(r.opts.Metrics, r.sc.Index, r.tick, r.store, r.land, r.net)
	r.collector.Flush(&s)
	if r.opts.Metrics.Agents {
		for _, p := range r.probes {
			for _, o := range p(r.view) {
				o.Scenario, o.Tick = r.sc.Index, r.tick
				s.Observations = append(s.Observations, o)
			}
		}
	} else {
		s.Births, s.Deaths, s.Invalid = 0, 0, 0
	}
	if r.marks != nil {
		for _, b := range r.marks.Check(s) {
			b.Log(r.logger)
			r.bookmarks = append(r.bookmarks, b)
		}
	}
	r.samples = append(r.samples, s)
}
