package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pthm-cable/tickworld/config"
)

func TestOutputManagerDisabled(t *testing.T) {
	om, err := NewOutputManager("", false)
	if err != nil || om != nil {
		t.Fatalf("NewOutputManager(\"\") = %v, %v", om, err)
	}
	// A nil manager swallows writes.
	if err := om.WriteSamples([]Sample{{Tick: 1}}); err != nil {
		t.Error(err)
	}
	if err := om.Close(); err != nil {
		t.Error(err)
	}
}

func TestOutputManagerRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			om, err := NewOutputManager(dir, compress)
			if err != nil {
				t.Fatal(err)
			}

			first := []Sample{
				{Scenario: 0, Tick: 0, Agents: 10, Observations: []Observation{Observe("infected", 2)}},
				{Scenario: 0, Tick: 1, Agents: 11, Births: 1},
			}
			second := []Sample{{Scenario: 1, Tick: 0, Agents: 9, Links: 4, DegreeMean: 0.8}}
			if err := om.WriteSamples(first); err != nil {
				t.Fatal(err)
			}
			if err := om.WriteSamples(second); err != nil {
				t.Fatal(err)
			}
			if err := om.WriteScenarios([]ScenarioRecord{{Scenario: 0, Seed: 5, State: "completed", Ticks: 1}}); err != nil {
				t.Fatal(err)
			}
			cfg, err := config.Load("")
			if err != nil {
				t.Fatal(err)
			}
			if err := om.WriteConfig(cfg); err != nil {
				t.Fatal(err)
			}
			if err := om.Close(); err != nil {
				t.Fatal(err)
			}

			path := filepath.Join(dir, "samples.csv")
			if compress {
				path += ".zst"
			}
			got, err := ReadSamples(path)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 {
				t.Fatalf("read %d samples, want 3 (header written once)", len(got))
			}
			if got[1].Births != 1 || got[2].Scenario != 1 || got[2].DegreeMean != 0.8 {
				t.Errorf("round trip mismatch: %+v", got)
			}

			if !compress {
				data, err := os.ReadFile(filepath.Join(dir, "observations.csv"))
				if err != nil {
					t.Fatal(err)
				}
				if !strings.Contains(string(data), "0,0,infected,2") {
					t.Errorf("observations.csv = %q", data)
				}
			}
			if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
				t.Errorf("config.yaml missing: %v", err)
			}
		})
	}
}
