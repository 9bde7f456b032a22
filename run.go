package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/models"
	"github.com/pthm-cable/tickworld/persistence"
	"github.com/pthm-cable/tickworld/scenario"
	"github.com/pthm-cable/tickworld/sweep"
	"github.com/pthm-cable/tickworld/telemetry"
)

// errScenariosFailed is returned after results were written when at least one
// scenario did not complete.
var errScenariosFailed = errors.New("scenarios failed")

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a parameter sweep",
		Long: `Run every scenario of the configured sweep and write the results.

Flags override the matching config keys. Interrupting the run abandons the
scenarios still in progress; results gathered so far are still written.

Examples:
  tickworld run --ticks 500 --scenarios 16 --output out/
  tickworld run --config sweep.yaml --db results.db --compress`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg); err != nil {
				return err
			}
			logger, err := newLogger(cmd, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSweep(ctx, cfg, logger)
		},
	}

	cmd.Flags().String("model", "", "Model name (see 'tickworld models')")
	cmd.Flags().Uint64("ticks", 0, "Ticks per scenario (0 = use config)")
	cmd.Flags().Uint64("scenarios", 0, "Number of scenarios (0 = use config)")
	cmd.Flags().Uint64("seed", 0, "Base seed scenario seeds derive from")
	cmd.Flags().Int("workers", 0, "Concurrent scenarios (0 = use config)")
	cmd.Flags().Int("agents", 0, "Initial agents per scenario (0 = use config)")
	cmd.Flags().String("output", "", "Output directory for CSV results")
	cmd.Flags().String("db", "", "SQLite database to store results in")
	cmd.Flags().Bool("compress", false, "zstd-compress CSV output")
	cmd.Flags().StringToString("param", nil, "Override model parameters, e.g. --param infection_rate=0.1")
	return cmd
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("model") {
		cfg.Model.Name, _ = f.GetString("model")
	}
	if f.Changed("ticks") {
		cfg.Simulation.TickCount, _ = f.GetUint64("ticks")
	}
	if f.Changed("scenarios") {
		cfg.Simulation.ScenarioCount, _ = f.GetUint64("scenarios")
	}
	if f.Changed("seed") {
		cfg.Simulation.BaseSeed, _ = f.GetUint64("seed")
	}
	if f.Changed("workers") {
		cfg.Simulation.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("agents") {
		cfg.Model.InitialAgents, _ = f.GetInt("agents")
	}
	if f.Changed("output") {
		cfg.Output.Dir, _ = f.GetString("output")
	}
	if f.Changed("db") {
		cfg.Output.Database, _ = f.GetString("db")
	}
	if f.Changed("compress") {
		cfg.Output.Compress, _ = f.GetBool("compress")
	}
	if f.Changed("param") {
		params, _ := f.GetStringToString("param")
		if cfg.Model.Params == nil {
			cfg.Model.Params = make(map[string]float64, len(params))
		}
		for k, v := range params {
			var x float64
			if _, err := fmt.Sscan(v, &x); err != nil {
				return config.Invalid("model.params."+k, fmt.Sprintf("not a number: %q", v))
			}
			cfg.Model.Params[k] = x
		}
	}
	return cfg.Refresh()
}

func runSweep(ctx context.Context, cfg *config.Config, logger *slog.Logger) (err error) {
	factory, err := models.Factory(cfg, logger)
	if err != nil {
		return err
	}

	out, err := telemetry.NewOutputManager(cfg.Output.Dir, cfg.Output.Compress)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing output: %w", cerr)
		}
	}()

	var db *persistence.DB
	if cfg.Output.Database != "" {
		if db, err = persistence.Open(cfg.Output.Database); err != nil {
			return err
		}
		defer db.Close()
	}

	scs := scenario.Expand(cfg.Simulation.BaseSeed, int(cfg.Simulation.ScenarioCount),
		cfg.Sweep.Grid, scenario.Params(cfg.Model.Params))
	logger.Info("sweep_configured",
		"model", cfg.Model.Name,
		"scenarios", len(scs),
		"grid_points", cfg.Derived.GridPoints,
		"ticks", cfg.Simulation.TickCount,
		"base_seed", cfg.Simulation.BaseSeed,
	)

	res := sweep.Run(ctx, scs, sweep.Options{Workers: cfg.Derived.Workers, Logger: logger}, factory)

	if err := writeResults(out, cfg, res); err != nil {
		return err
	}
	if out != nil {
		logger.Info("csv_written", "dir", out.Dir())
	}

	if db != nil {
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		meta := persistence.Meta{
			Model:    cfg.Model.Name,
			BaseSeed: cfg.Simulation.BaseSeed,
			Ticks:    cfg.Simulation.TickCount,
			Config:   data,
		}
		// Results are saved even when ctx was cancelled mid-sweep.
		id, err := db.SaveSweep(context.WithoutCancel(ctx), meta, res)
		if err != nil {
			return fmt.Errorf("saving sweep: %w", err)
		}
		logger.Info("sweep_saved", "sweep_id", id, "database", cfg.Output.Database)
	}

	if failed := res.Failed(); len(failed) > 0 {
		for _, r := range failed {
			logger.Warn("scenario_not_completed",
				"scenario", r.Scenario.Index,
				"state", r.State.String(),
				"ticks", r.Ticks,
				"error", r.Err,
			)
		}
		return fmt.Errorf("%d of %d %w", len(failed), len(res.Scenarios), errScenariosFailed)
	}
	return nil
}

func writeResults(out *telemetry.OutputManager, cfg *config.Config, res *sweep.Result) error {
	if out == nil {
		return nil
	}
	if err := out.WriteConfig(cfg); err != nil {
		return err
	}
	if err := out.WriteScenarios(res.Records()); err != nil {
		return err
	}
	if err := out.WriteSamples(res.Samples()); err != nil {
		return err
	}
	for _, row := range res.Perf() {
		if err := out.WritePerf(row); err != nil {
			return err
		}
	}
	return nil
}
