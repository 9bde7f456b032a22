// Package persistence stores sweep results in SQLite.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pthm-cable/tickworld/sweep"
	"github.com/pthm-cable/tickworld/telemetry"
)

// DB wraps a SQLite connection holding sweep results.
type DB struct {
	conn *sqlx.DB
}

// SweepInfo describes a stored sweep.
type SweepInfo struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	Model     string    `db:"model"`
	BaseSeed  int64     `db:"base_seed"` // bit pattern of the uint64 seed
	Scenarios int       `db:"scenarios"`
	Failed    int       `db:"failed"`
	Ticks     int64     `db:"ticks"`
	Config    string    `db:"config_yaml"`
}

type scenarioRow struct {
	SweepID string `db:"sweep_id"`
	telemetry.ScenarioRecord
	SeedBits int64 `db:"seed_bits"`
}

type sampleRow struct {
	SweepID string `db:"sweep_id"`
	telemetry.Sample
}

type observationRow struct {
	SweepID string `db:"sweep_id"`
	telemetry.Observation
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between pooled connections.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sweeps (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		model TEXT NOT NULL,
		base_seed INTEGER NOT NULL,
		scenarios INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		ticks INTEGER NOT NULL,
		config_yaml TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenarios (
		sweep_id TEXT NOT NULL REFERENCES sweeps(id),
		scenario INTEGER NOT NULL,
		seed_bits INTEGER NOT NULL,
		params TEXT NOT NULL,
		state TEXT NOT NULL,
		ticks INTEGER NOT NULL,
		samples INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		error TEXT NOT NULL,
		PRIMARY KEY (sweep_id, scenario)
	);

	CREATE TABLE IF NOT EXISTS samples (
		sweep_id TEXT NOT NULL REFERENCES sweeps(id),
		scenario INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		agents INTEGER NOT NULL,
		births INTEGER NOT NULL,
		deaths INTEGER NOT NULL,
		invalid INTEGER NOT NULL,
		occupied_cells INTEGER NOT NULL,
		occupancy_mean REAL NOT NULL,
		occupancy_max INTEGER NOT NULL,
		occupancy_p90 REAL NOT NULL,
		links INTEGER NOT NULL,
		degree_mean REAL NOT NULL,
		degree_std REAL NOT NULL,
		degree_max INTEGER NOT NULL,
		isolated INTEGER NOT NULL,
		components INTEGER NOT NULL,
		PRIMARY KEY (sweep_id, scenario, tick)
	);

	CREATE TABLE IF NOT EXISTS observations (
		sweep_id TEXT NOT NULL REFERENCES sweeps(id),
		scenario INTEGER NOT NULL,
		tick INTEGER NOT NULL,
		name TEXT NOT NULL,
		value REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_observations_name ON observations(sweep_id, name);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Meta describes the run a sweep result came from.
type Meta struct {
	Model    string
	BaseSeed uint64
	Ticks    uint64
	Config   []byte // effective configuration as YAML
}

// SaveSweep writes a finished sweep in one transaction and returns its new ID.
func (db *DB) SaveSweep(ctx context.Context, meta Meta, res *sweep.Result) (string, error) {
	id := uuid.NewString()

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO sweeps
		(id, created_at, model, base_seed, scenarios, failed, ticks, config_yaml)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, time.Now().UTC(), meta.Model, int64(meta.BaseSeed), len(res.Scenarios), len(res.Failed()), int64(meta.Ticks), string(meta.Config))
	if err != nil {
		return "", fmt.Errorf("insert sweep: %w", err)
	}

	scStmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO scenarios
		(sweep_id, scenario, seed_bits, params, state, ticks, samples, elapsed_ms, error)
		VALUES (:sweep_id, :scenario, :seed_bits, :params, :state, :ticks, :samples, :elapsed_ms, :error)`)
	if err != nil {
		return "", err
	}
	defer scStmt.Close()
	for _, rec := range res.Records() {
		if _, err := scStmt.ExecContext(ctx, scenarioRow{SweepID: id, ScenarioRecord: rec, SeedBits: int64(rec.Seed)}); err != nil {
			return "", fmt.Errorf("insert scenario %d: %w", rec.Scenario, err)
		}
	}

	smStmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO samples
		(sweep_id, scenario, tick, agents, births, deaths, invalid,
		 occupied_cells, occupancy_mean, occupancy_max, occupancy_p90,
		 links, degree_mean, degree_std, degree_max, isolated, components)
		VALUES (:sweep_id, :scenario, :tick, :agents, :births, :deaths, :invalid,
		 :occupied_cells, :occupancy_mean, :occupancy_max, :occupancy_p90,
		 :links, :degree_mean, :degree_std, :degree_max, :isolated, :components)`)
	if err != nil {
		return "", err
	}
	defer smStmt.Close()

	obStmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO observations
		(sweep_id, scenario, tick, name, value)
		VALUES (:sweep_id, :scenario, :tick, :name, :value)`)
	if err != nil {
		return "", err
	}
	defer obStmt.Close()

	for _, s := range res.Samples() {
		if _, err := smStmt.ExecContext(ctx, sampleRow{SweepID: id, Sample: s}); err != nil {
			return "", fmt.Errorf("insert sample %d/%d: %w", s.Scenario, s.Tick, err)
		}
		for _, o := range s.Observations {
			o.Scenario, o.Tick = s.Scenario, s.Tick
			if _, err := obStmt.ExecContext(ctx, observationRow{SweepID: id, Observation: o}); err != nil {
				return "", fmt.Errorf("insert observation %s: %w", o.Name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// Sweeps lists stored sweeps, newest first.
func (db *DB) Sweeps(ctx context.Context) ([]SweepInfo, error) {
	var out []SweepInfo
	err := db.conn.SelectContext(ctx, &out, "SELECT * FROM sweeps ORDER BY created_at DESC")
	return out, err
}

// LoadScenarios returns the scenario summaries of a sweep ordered by index.
func (db *DB) LoadScenarios(ctx context.Context, sweepID string) ([]telemetry.ScenarioRecord, error) {
	var rows []scenarioRow
	err := db.conn.SelectContext(ctx, &rows,
		"SELECT * FROM scenarios WHERE sweep_id = ? ORDER BY scenario", sweepID)
	if err != nil {
		return nil, err
	}
	out := make([]telemetry.ScenarioRecord, len(rows))
	for i, r := range rows {
		out[i] = r.ScenarioRecord
		out[i].Seed = uint64(r.SeedBits)
	}
	return out, nil
}

// LoadSamples returns a sweep's samples, scenario-grouped and tick-ascending,
// with their observations attached.
func (db *DB) LoadSamples(ctx context.Context, sweepID string) ([]telemetry.Sample, error) {
	var rows []sampleRow
	err := db.conn.SelectContext(ctx, &rows,
		"SELECT * FROM samples WHERE sweep_id = ? ORDER BY scenario, tick", sweepID)
	if err != nil {
		return nil, err
	}

	var obs []observationRow
	err = db.conn.SelectContext(ctx, &obs,
		"SELECT * FROM observations WHERE sweep_id = ? ORDER BY scenario, tick, rowid", sweepID)
	if err != nil {
		return nil, err
	}

	type key struct {
		scenario int
		tick     uint64
	}
	index := make(map[key]int, len(rows))
	out := make([]telemetry.Sample, len(rows))
	for i, r := range rows {
		out[i] = r.Sample
		index[key{r.Scenario, r.Tick}] = i
	}
	for _, o := range obs {
		if i, ok := index[key{o.Scenario, o.Tick}]; ok {
			out[i].Observations = append(out[i].Observations, o.Observation)
		}
	}
	return out, nil
}
