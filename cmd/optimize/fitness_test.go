package main

import (
	"math"
	"testing"

	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/telemetry"
)

func TestSurvivalTicks(t *testing.T) {
	tests := []struct {
		name   string
		series []float64
		want   int
	}{
		{"empty", nil, 0},
		{"never drops", []float64{3, 4, 5}, 3},
		{"drops at third", []float64{5, 2, 0.5, 4}, 2},
		{"starts extinct", []float64{0, 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SurvivalTicks(tt.series, 1); got != tt.want {
				t.Errorf("SurvivalTicks = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestQuality(t *testing.T) {
	flat := []float64{0, 0, 10, 10}
	if got := Quality(flat, 10); math.Abs(got-1) > 1e-9 {
		t.Errorf("on-target flat tail = %v, want 1", got)
	}
	if got := Quality(flat, 0); math.Abs(got-1) > 1e-9 {
		t.Errorf("untargeted flat tail = %v, want 1", got)
	}
	if off := Quality(flat, 20); off >= Quality(flat, 10) {
		t.Errorf("off-target quality %v not below on-target", off)
	}
	if noisy := Quality([]float64{0, 0, 2, 18}, 10); noisy >= 1 {
		t.Errorf("noisy tail quality = %v, want < 1", noisy)
	}
	if got := Quality([]float64{5, 5, 0, 0}, 10); got != 0 {
		t.Errorf("extinct tail quality = %v, want 0", got)
	}
}

func TestComputeFitnessOrdersSurvivalFirst(t *testing.T) {
	if ComputeFitness(100, 0) >= ComputeFitness(50, 1) {
		t.Error("longer survival should beat higher quality")
	}
	if ComputeFitness(100, 1) >= ComputeFitness(100, 0) {
		t.Error("quality should break survival ties")
	}
}

func TestSeries(t *testing.T) {
	samples := []telemetry.Sample{
		{Agents: 4, Observations: []telemetry.Observation{{Name: "infected", Value: 2}}},
		{Agents: 6},
	}
	if got := Series(samples, "agents"); got[0] != 4 || got[1] != 6 {
		t.Errorf("agents = %v", got)
	}
	if got := Series(samples, "infected"); got[0] != 2 || got[1] != 0 {
		t.Errorf("infected = %v", got)
	}
}

func TestParamVectorRoundTrip(t *testing.T) {
	pv, err := NewParamVector("crowding")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	pv.ApplyToConfig(cfg, []float64{2.4, 9})
	if cfg.Model.Params["radius"] != 2 || cfg.Model.Params["birth_neighbors"] != 8 {
		t.Errorf("params = %v", cfg.Model.Params)
	}
	got := pv.Denormalize(pv.Normalize(pv.ExtractFromConfig(cfg)))
	if got[0] != 2 || got[1] != 8 {
		t.Errorf("round trip = %v", got)
	}

	if _, err := NewParamVector("boids"); err == nil {
		t.Error("expected error for unknown model")
	}
}

func TestEvaluateRunsSeeds(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Model.Name = "crowding"
	cfg.Model.InitialAgents = 40
	cfg.Landscape.Width, cfg.Landscape.Height = 10, 10
	cfg.Metrics.Network = false
	cfg.Simulation.TickCount = 6

	pv, err := NewParamVector("crowding")
	if err != nil {
		t.Fatal(err)
	}
	fe := NewFitnessEvaluator(pv, 3, 2, Objective{Metric: "agents", MinLevel: 1}, cfg)
	fitness := fe.Evaluate(pv.DefaultVector())
	if fitness > 0 || fitness == failedFitness {
		t.Errorf("fitness = %v", fitness)
	}
	best := fe.BestResult()
	if best == nil || len(best.Scenarios) != 3 {
		t.Fatalf("best result = %+v", best)
	}
	if again := fe.Evaluate(pv.DefaultVector()); again != fitness {
		t.Errorf("evaluation not deterministic: %v vs %v", again, fitness)
	}
}
