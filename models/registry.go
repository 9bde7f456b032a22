// Package models holds the pluggable rules a sweep can run.
package models

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/pthm-cable/tickworld/config"
	"github.com/pthm-cable/tickworld/sweep"
)

// Model describes a registered rule set.
type Model struct {
	Name        string
	Description string
	// Params lists the parameters the model reads, for display.
	Params []string
	// Build validates cfg for this model and returns a factory producing one
	// runner per scenario.
	Build func(cfg *config.Config, logger *slog.Logger) (sweep.Factory, error)
}

var registry = map[string]Model{}

// Register adds a model. Registering a name twice panics.
func Register(m Model) {
	if _, dup := registry[m.Name]; dup {
		panic(fmt.Sprintf("models: %q registered twice", m.Name))
	}
	registry[m.Name] = m
}

// Lookup returns the model registered under name.
func Lookup(name string) (Model, bool) {
	m, ok := registry[name]
	return m, ok
}

// All returns every registered model sorted by name.
func All() []Model {
	out := make([]Model, 0, len(registry))
	for _, m := range registry {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Model) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Factory resolves the configured model and builds its scenario factory.
func Factory(cfg *config.Config, logger *slog.Logger) (sweep.Factory, error) {
	m, ok := Lookup(cfg.Model.Name)
	if !ok {
		return nil, config.Invalid("model.name", fmt.Sprintf("unknown model %q", cfg.Model.Name))
	}
	return m.Build(cfg, logger)
}

func init() {
	Register(Model{
		Name:        "crowding",
		Description: "Agents die alone and reproduce when crowded",
		Params:      []string{"radius", "birth_neighbors", "max_population"},
		Build:       buildCrowding,
	})
	Register(Model{
		Name:        "sir",
		Description: "Susceptible/infected/recovered spread over terrain and contact links",
		Params: []string{
			"initial_infected", "contact_radius", "infection_rate", "link_infection_rate",
			"environment_rate", "shedding", "contamination_decay", "recovery_rate",
			"immunity_loss_rate", "mortality_rate", "birth_rate", "move_chance",
			"initial_links", "link_form_rate", "link_break_rate", "terrain_scale", "terrain_octaves",
		},
		Build: buildSIR,
	})
}
