// Package sweep runs many independent scenarios on a bounded worker pool and
// merges their sample series once every scenario has finished.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/tickworld/scenario"
	"github.com/pthm-cable/tickworld/telemetry"
)

// ErrScenarioPanic marks a scenario whose rule or runner panicked.
var ErrScenarioPanic = errors.New("sweep: scenario panicked")

// Simulation is one scenario's state machine. *scenario.Runner satisfies it
// for any payload types.
type Simulation interface {
	Run(ctx context.Context) error
	State() scenario.State
	Tick() uint64
	Samples() []telemetry.Sample
	Perf() []telemetry.PerfStatsCSV
}

// Factory builds the simulation for a scenario.
type Factory func(sc scenario.Scenario) (Simulation, error)

// Options configures a sweep.
type Options struct {
	Workers int // 0 = GOMAXPROCS
	Logger  *slog.Logger
}

// ScenarioResult is the outcome of one scenario. Samples are partial when Err
// is set.
type ScenarioResult struct {
	Scenario scenario.Scenario
	State    scenario.State
	Ticks    uint64
	Samples  []telemetry.Sample
	Perf     []telemetry.PerfStatsCSV
	Elapsed  time.Duration
	Err      error
}

// Result is the merged outcome of a sweep, ordered by scenario index.
type Result struct {
	Scenarios []ScenarioResult
	Elapsed   time.Duration
}

// Run drives every scenario to a terminal state using at most opts.Workers
// goroutines. A failing scenario never stops the others; cancelling ctx
// abandons the scenarios still running after their current tick.
func Run(ctx context.Context, scenarios []scenario.Scenario, opts Options, factory Factory) *Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	logger.Info("sweep_started", "scenarios", len(scenarios), "workers", workers)

	var (
		mu      sync.Mutex
		results = make([]ScenarioResult, 0, len(scenarios))
	)

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, sc := range scenarios {
		g.Go(func() error {
			res := runOne(ctx, sc, factory, logger)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers report failures in their results

	slices.SortFunc(results, func(a, b ScenarioResult) int {
		return a.Scenario.Index - b.Scenario.Index
	})

	out := &Result{Scenarios: results, Elapsed: time.Since(start)}
	logger.Info("sweep_completed",
		"scenarios", len(results),
		"failed", len(out.Failed()),
		"elapsed_ms", out.Elapsed.Milliseconds(),
	)
	return out
}

func runOne(ctx context.Context, sc scenario.Scenario, factory Factory, logger *slog.Logger) (res ScenarioResult) {
	res.Scenario = sc
	res.State = scenario.Failed
	start := time.Now()

	var sim Simulation
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: %v", ErrScenarioPanic, r)
			res.State = scenario.Failed
			logger.Error("scenario_panic",
				"scenario", sc.Index,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			if sim != nil {
				res.Ticks, res.Samples = safeSnapshot(sim)
			}
		}
		res.Elapsed = time.Since(start)
	}()

	sim, err := factory(sc)
	if err != nil {
		res.Err = fmt.Errorf("scenario %d: %w", sc.Index, err)
		logger.Warn("scenario_rejected", "scenario", sc.Index, "error", err)
		return res
	}

	err = sim.Run(ctx)
	res.State = sim.State()
	res.Ticks = sim.Tick()
	res.Samples = sim.Samples()
	res.Perf = sim.Perf()
	if err != nil {
		res.Err = fmt.Errorf("scenario %d: %w", sc.Index, err)
	}
	return res
}

// safeSnapshot salvages what a panicked simulation recorded. The simulation may
// be in any state, so a second panic is swallowed.
func safeSnapshot(sim Simulation) (ticks uint64, samples []telemetry.Sample) {
	defer func() { _ = recover() }()
	return sim.Tick(), sim.Samples()
}

// Samples concatenates every scenario's samples, scenario-grouped and
// tick-ascending.
func (r *Result) Samples() []telemetry.Sample {
	n := 0
	for _, s := range r.Scenarios {
		n += len(s.Samples)
	}
	out := make([]telemetry.Sample, 0, n)
	for _, s := range r.Scenarios {
		out = append(out, s.Samples...)
	}
	return out
}

// Perf concatenates every scenario's perf rows.
func (r *Result) Perf() []telemetry.PerfStatsCSV {
	var out []telemetry.PerfStatsCSV
	for _, s := range r.Scenarios {
		out = append(out, s.Perf...)
	}
	return out
}

// Failed returns the scenarios that did not complete.
func (r *Result) Failed() []ScenarioResult {
	var out []ScenarioResult
	for _, s := range r.Scenarios {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Records summarises each scenario for output.
func (r *Result) Records() []telemetry.ScenarioRecord {
	out := make([]telemetry.ScenarioRecord, len(r.Scenarios))
	for i, s := range r.Scenarios {
		rec := telemetry.ScenarioRecord{
			Scenario:  s.Scenario.Index,
			Seed:      s.Scenario.Seed,
			Params:    s.Scenario.Params.String(),
			State:     s.State.String(),
			Ticks:     s.Ticks,
			Samples:   len(s.Samples),
			ElapsedMS: s.Elapsed.Milliseconds(),
		}
		if s.Err != nil {
			rec.Error = s.Err.Error()
		}
		out[i] = rec
	}
	return out
}
