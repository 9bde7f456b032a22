// Package main calibrates model parameters by running seeded sweeps inside a
// gonum optimizer.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/optimize"

	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/telemetry"
)

// formatDuration formats a duration as HH:MM:SS or MM:SS for shorter durations.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}

// newMethod returns the optimizer for the --method flag.
func newMethod(name string, dim, population int) (optimize.Method, int, error) {
	switch name {
	case "cmaes":
		if population == 0 {
			population = 4 + int(3.0*float64(dim)/2.0)
		}
		return &optimize.CmaEsChol{InitStepSize: 0.3, Population: population}, population, nil
	case "nelder-mead":
		return &optimize.NelderMead{SimplexSize: 0.2}, dim + 1, nil
	}
	return nil, 0, fmt.Errorf("unknown method %q (want cmaes or nelder-mead)", name)
}

func main() {
	configPath := flag.String("config", "", "Base config YAML file (empty = use defaults)")
	ticks := flag.Uint64("ticks", 0, "Ticks per scenario (0 = use config)")
	seeds := flag.Int("seeds", 4, "Scenarios (seeds) per evaluation")
	workers := flag.Int("workers", 0, "Concurrent scenarios per evaluation (0 = GOMAXPROCS)")
	maxEvals := flag.Int("max-evals", 200, "Maximum number of evaluations")
	method := flag.String("method", "cmaes", "Optimizer: cmaes or nelder-mead")
	population := flag.Int("population", 0, "CMA-ES population size (0 = auto)")
	metric := flag.String("metric", "infected", "Series to keep alive: a sample column or probe observation")
	target := flag.Float64("target", 0, "Desired mean level of the metric over the second half of a run (0 = any)")
	minLevel := flag.Float64("min-level", 1, "The metric counts as extinct below this level")
	outputDir := flag.String("output", "", "Output directory for results")
	flag.Parse()

	if *outputDir == "" {
		log.Fatal("--output is required")
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output directory: %v", err)
	}

	baseCfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *ticks > 0 {
		baseCfg.Simulation.TickCount = *ticks
	}
	baseCfg.Sweep.Grid = nil
	if err := baseCfg.Refresh(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	params, err := NewParamVector(baseCfg.Model.Name)
	if err != nil {
		log.Fatal(err)
	}

	obj := Objective{Metric: *metric, Target: *target, MinLevel: *minLevel}
	evaluator := NewFitnessEvaluator(params, *seeds, *workers, obj, baseCfg)

	dim := params.Dim()
	initX := params.Normalize(params.ExtractFromConfig(baseCfg))

	opt, popSize, err := newMethod(*method, dim, *population)
	if err != nil {
		log.Fatal(err)
	}

	logPath := filepath.Join(*outputDir, "optimize_log.csv")
	logFile, err := os.Create(logPath)
	if err != nil {
		log.Fatalf("failed to create log file: %v", err)
	}
	defer logFile.Close()

	logWriter := csv.NewWriter(logFile)
	defer logWriter.Flush()

	header := []string{"eval", "fitness", "quality"}
	for _, spec := range params.Specs {
		header = append(header, spec.Name)
	}
	logWriter.Write(header)

	evalCount := 0
	bestFitness := 1e9
	var bestParams []float64
	startTime := time.Now()

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			// Evaluate clamped values so the log shows what actually ran.
			clamped := params.Clamp(params.Denormalize(x))
			fitness := evaluator.Evaluate(clamped)
			quality := evaluator.LastQuality()
			evalCount++

			if fitness < bestFitness {
				bestFitness = fitness
				bestParams = clamped
			}

			row := []string{strconv.Itoa(evalCount), fmt.Sprintf("%.6f", fitness), fmt.Sprintf("%.4f", quality)}
			for _, v := range clamped {
				row = append(row, fmt.Sprintf("%.6f", v))
			}
			logWriter.Write(row)
			logWriter.Flush()

			elapsed := time.Since(startTime)
			avgPerEval := elapsed / time.Duration(evalCount)
			remaining := time.Duration(*maxEvals-evalCount) * avgPerEval

			// Fitness = -(survival × (1 + 0.2×quality)), so recover survival
			survival := -fitness / (1.0 + 0.2*quality)
			fmt.Printf("Eval %d/%d: survived=%.0f ticks quality=%.2f (best=%.0f) | elapsed: %s, ETA: %s\n",
				evalCount, *maxEvals, survival, quality, bestFitness,
				formatDuration(elapsed), formatDuration(remaining))

			return fitness
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: *maxEvals,
		Concurrent:      0, // evaluations already run their seeds in parallel
	}

	fmt.Printf("Starting %s optimization of %s with %d parameters, population=%d, max_evals=%d\n",
		*method, baseCfg.Model.Name, dim, popSize, *maxEvals)
	fmt.Printf("Seeds per evaluation: %d, ticks per run: %d, metric: %s\n",
		*seeds, baseCfg.Simulation.TickCount, *metric)

	result, err := optimize.Minimize(problem, initX, settings, opt)
	if err != nil {
		log.Printf("optimization ended: %v", err)
	}

	// Use best params found (may be from any evaluation, not just final)
	if bestParams == nil && result != nil {
		bestParams = params.Clamp(params.Denormalize(result.X))
	}
	if bestParams == nil {
		log.Fatal("no evaluation completed")
	}

	totalTime := time.Since(startTime)
	fmt.Printf("\nOptimization complete after %d evaluations in %s\n", evalCount, formatDuration(totalTime))
	fmt.Printf("Best fitness: %.0f\n", bestFitness)

	fmt.Println("\nBest parameters:")
	for i, spec := range params.Specs {
		fmt.Printf("  %s: %.6f\n", spec.Name, bestParams[i])
	}

	bestCfg := baseCfg.Clone()
	params.ApplyToConfig(bestCfg, bestParams)

	configOutPath := filepath.Join(*outputDir, "best_config.yaml")
	if err := bestCfg.WriteYAML(configOutPath); err != nil {
		log.Printf("failed to write best config: %v", err)
	} else {
		fmt.Printf("\nBest config saved to: %s\n", configOutPath)
	}

	// Save the samples of the best sweep
	if best := evaluator.BestResult(); best != nil {
		if err := writeBestRun(filepath.Join(*outputDir, "best"), bestCfg, best.Records(), best.Samples()); err != nil {
			log.Printf("failed to write best run: %v", err)
		} else {
			fmt.Printf("Best run samples saved to: %s\n", filepath.Join(*outputDir, "best"))
		}
	}
}

func writeBestRun(dir string, cfg *config.Config, records []telemetry.ScenarioRecord, samples []telemetry.Sample) error {
	out, err := telemetry.NewOutputManager(dir, false)
	if err != nil {
		return err
	}
	if err := out.WriteConfig(cfg); err != nil {
		out.Close()
		return err
	}
	if err := out.WriteScenarios(records); err != nil {
		out.Close()
		return err
	}
	if err := out.WriteSamples(samples); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
