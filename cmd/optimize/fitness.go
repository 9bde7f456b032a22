package main

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/models"
	"github.com/pthm-cable/tickworld/scenario"
	"github.com/pthm-cable/tickworld/sweep"
	"github.com/pthm-cable/tickworld/telemetry"
)

// Objective describes the series an evaluation scores.
type Objective struct {
	Metric   string  // sample column or probe observation, e.g. "agents" or "infected"
	Target   float64 // desired mean level over the scored tail
	MinLevel float64 // the series counts as extinct below this level
}

// FitnessEvaluator runs seeded sweeps and computes fitness.
type FitnessEvaluator struct {
	params    *ParamVector
	seeds     int
	workers   int
	objective Objective
	baseCfg   *config.Config
	logger    *slog.Logger

	// Best run tracking
	mu          sync.Mutex
	bestFitness float64
	bestResult  *sweep.Result
	lastQuality float64
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, seeds, workers int, obj Objective, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:      params,
		seeds:       seeds,
		workers:     workers,
		objective:   obj,
		baseCfg:     baseCfg,
		logger:      slog.New(slog.DiscardHandler),
		bestFitness: math.Inf(1),
	}
}

// BestResult returns the sweep of the best evaluation so far.
func (fe *FitnessEvaluator) BestResult() *sweep.Result {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.bestResult
}

// LastQuality returns the quality score from the most recent evaluation.
func (fe *FitnessEvaluator) LastQuality() float64 {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastQuality
}

// failedFitness is assigned when a configuration cannot be run at all.
const failedFitness = 1e12

// Evaluate computes fitness for a raw parameter vector (lower = better).
// Every seed runs as one scenario of a sweep sharing the parameters.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	cfg := fe.baseCfg.Clone()
	fe.params.ApplyToConfig(cfg, x)

	factory, err := models.Factory(cfg, fe.logger)
	if err != nil {
		return failedFitness
	}
	scs := scenario.Expand(cfg.Simulation.BaseSeed, fe.seeds, nil, scenario.Params(cfg.Model.Params))
	res := sweep.Run(context.Background(), scs, sweep.Options{Workers: fe.workers, Logger: fe.logger}, factory)

	var totalFitness, totalQuality float64
	for _, r := range res.Scenarios {
		if r.Err != nil {
			totalFitness += failedFitness
			continue
		}
		series := Series(r.Samples, fe.objective.Metric)
		survival := SurvivalTicks(series, fe.objective.MinLevel)
		quality := Quality(series, fe.objective.Target)
		totalFitness += ComputeFitness(survival, quality)
		totalQuality += quality
	}

	n := float64(len(res.Scenarios))
	avgFitness := totalFitness / n

	fe.mu.Lock()
	if avgFitness < fe.bestFitness {
		fe.bestFitness = avgFitness
		fe.bestResult = res
	}
	fe.lastQuality = totalQuality / n
	fe.mu.Unlock()

	return avgFitness
}

// Series extracts one metric per sample, in tick order. Unknown names yield zeros.
func Series(samples []telemetry.Sample, metric string) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = metricValue(s, metric)
	}
	return out
}

func metricValue(s telemetry.Sample, metric string) float64 {
	switch metric {
	case "agents":
		return float64(s.Agents)
	case "links":
		return float64(s.Links)
	case "components":
		return float64(s.Components)
	case "occupied_cells":
		return float64(s.OccupiedCells)
	case "degree_mean":
		return s.DegreeMean
	}
	for _, o := range s.Observations {
		if o.Name == metric {
			return o.Value
		}
	}
	return 0
}

// SurvivalTicks counts the samples before the series first drops below
// minLevel. A series that never drops survives its full length.
func SurvivalTicks(series []float64, minLevel float64) int {
	for i, v := range series {
		if v < minLevel {
			return i
		}
	}
	return len(series)
}

// Quality scoring
const (
	qualityWeightTarget    = 0.6
	qualityWeightStability = 0.4

	qualityTailFraction = 0.5 // score the last half of the run
)

// Quality scores a series in [0, 1] by how close its tail mean sits to target
// and how little the tail fluctuates.
func Quality(series []float64, target float64) float64 {
	start := int(float64(len(series)) * (1 - qualityTailFraction))
	tail := series[start:]
	if len(tail) == 0 {
		return 0
	}

	mean, std := stat.PopMeanStdDev(tail, nil)
	if mean == 0 {
		return 0
	}

	targetScore := 1.0
	if target > 0 {
		rel := (mean - target) / target
		targetScore = math.Exp(-rel * rel)
	}
	cv := std / mean
	stabilityScore := math.Exp(-cv * cv)

	return clamp01(qualityWeightTarget*targetScore + qualityWeightStability*stabilityScore)
}

// ComputeFitness calculates the scalar fitness (lower = better).
// Formula: -(survivalTicks × (1.0 + 0.2 × quality))
// Survival dominates; quality adds up to 20% to separate equally long runs.
func ComputeFitness(survival int, quality float64) float64 {
	return -(float64(survival) * (1.0 + 0.2*quality))
}

// clamp01 clamps x to [0, 1].
func clamp01(x float64) float64 {
	return min(max(x, 0), 1)
}
