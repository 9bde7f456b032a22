package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/compress/zstd"

	"github.com/pthm-cable/tickworld/config"
)

// ScenarioRecord is the per-scenario summary row written to scenarios.csv.
type ScenarioRecord struct {
	Scenario  int    `csv:"scenario" db:"scenario"`
	Seed      uint64 `csv:"seed" db:"seed"`
	Params    string `csv:"params" db:"params"`
	State     string `csv:"state" db:"state"`
	Ticks     uint64 `csv:"ticks" db:"ticks"`
	Samples   int    `csv:"samples" db:"samples"`
	ElapsedMS int64  `csv:"elapsed_ms" db:"elapsed_ms"`
	Error     string `csv:"error" db:"error"`
}

// csvSink is one output file with its header state.
type csvSink struct {
	file          *os.File
	enc           *zstd.Encoder
	w             io.Writer
	headerWritten bool
}

func openSink(path string, compress bool) (*csvSink, error) {
	if compress {
		path += ".zst"
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Base(path), err)
	}
	s := &csvSink{file: f, w: f}
	if compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		s.enc = enc
		s.w = enc
	}
	return s, nil
}

// write appends records, emitting the header on first use.
func (s *csvSink) write(records any) error {
	if !s.headerWritten {
		if err := gocsv.Marshal(records, s.w); err != nil {
			return err
		}
		s.headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(records, s.w)
}

func (s *csvSink) close() error {
	var encErr error
	if s.enc != nil {
		encErr = s.enc.Close()
	}
	return errors.Join(encErr, s.file.Close())
}

// OutputManager handles structured sweep output with CSV logging.
type OutputManager struct {
	dir          string
	samples      *csvSink
	observations *csvSink
	scenarios    *csvSink
	perf         *csvSink
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled). With compress set every CSV file
// is zstd-compressed and gets a .zst suffix.
func NewOutputManager(dir string, compress bool) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}
	sinks := []struct {
		dst  **csvSink
		name string
	}{
		{&om.samples, "samples.csv"},
		{&om.observations, "observations.csv"},
		{&om.scenarios, "scenarios.csv"},
		{&om.perf, "perf.csv"},
	}
	for _, s := range sinks {
		sink, err := openSink(filepath.Join(dir, s.name), compress)
		if err != nil {
			om.Close()
			return nil, err
		}
		*s.dst = sink
	}

	return om, nil
}

// WriteConfig saves the effective configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteSamples appends sample rows to samples.csv and their probe
// observations to observations.csv.
func (om *OutputManager) WriteSamples(samples []Sample) error {
	if om == nil || len(samples) == 0 {
		return nil
	}
	if err := om.samples.write(samples); err != nil {
		return fmt.Errorf("writing samples: %w", err)
	}

	var obs []Observation
	for _, s := range samples {
		for _, o := range s.Observations {
			o.Scenario = s.Scenario
			o.Tick = s.Tick
			obs = append(obs, o)
		}
	}
	if len(obs) == 0 {
		return nil
	}
	if err := om.observations.write(obs); err != nil {
		return fmt.Errorf("writing observations: %w", err)
	}
	return nil
}

// WriteScenarios appends per-scenario summary rows to scenarios.csv.
func (om *OutputManager) WriteScenarios(records []ScenarioRecord) error {
	if om == nil || len(records) == 0 {
		return nil
	}
	if err := om.scenarios.write(records); err != nil {
		return fmt.Errorf("writing scenarios: %w", err)
	}
	return nil
}

// WritePerf appends a performance window row to perf.csv.
func (om *OutputManager) WritePerf(row PerfStatsCSV) error {
	if om == nil {
		return nil
	}
	if err := om.perf.write([]PerfStatsCSV{row}); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}
	var errs []error
	for _, s := range []*csvSink{om.samples, om.observations, om.scenarios, om.perf} {
		if s != nil {
			errs = append(errs, s.close())
		}
	}
	return errors.Join(errs...)
}

// ReadSamples loads a samples file written by OutputManager. Files ending in
// .zst are decompressed.
func ReadSamples(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening samples: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	var out []Sample
	if err := gocsv.Unmarshal(r, &out); err != nil {
		return nil, fmt.Errorf("parsing samples: %w", err)
	}
	return out, nil
}
