package main

import (
	"fmt"
	"slices"

	"github.com/pthm-cable/tickworld/config"
)

// ParamSpec defines a single optimizable model parameter.
type ParamSpec struct {
	Name    string  // key under model.params
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Used when the base config does not set the key
	Integer bool    // Rounded before it reaches the model
}

// ParamVector holds the set of all optimizable parameters.
type ParamVector struct {
	Specs []ParamSpec
}

var modelSpecs = map[string][]ParamSpec{
	"sir": {
		{Name: "infection_rate", Min: 0.01, Max: 0.3, Default: 0.08},
		{Name: "link_infection_rate", Min: 0, Max: 0.2, Default: 0.05},
		{Name: "environment_rate", Min: 0, Max: 0.1, Default: 0.02},
		{Name: "shedding", Min: 0.02, Max: 0.5, Default: 0.2},
		{Name: "contamination_decay", Min: 0.02, Max: 0.5, Default: 0.1},
		{Name: "recovery_rate", Min: 0.01, Max: 0.2, Default: 0.05},
		{Name: "immunity_loss_rate", Min: 0, Max: 0.05, Default: 0.005},
		{Name: "birth_rate", Min: 0, Max: 0.02, Default: 0.004},
	},
	"crowding": {
		{Name: "radius", Min: 1, Max: 3, Default: 1, Integer: true},
		{Name: "birth_neighbors", Min: 1, Max: 8, Default: 3, Integer: true},
	},
}

// NewParamVector returns the optimizable parameters of a model.
func NewParamVector(model string) (*ParamVector, error) {
	specs, ok := modelSpecs[model]
	if !ok {
		return nil, fmt.Errorf("no optimizable parameters for model %q", model)
	}
	return &ParamVector{Specs: slices.Clone(specs)}, nil
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp bounds every value and rounds integer parameters.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		val := min(max(v[i], spec.Min), spec.Max)
		if spec.Integer {
			val = float64(int(val + 0.5))
		}
		clamped[i] = val
	}
	return clamped
}

// ApplyToConfig writes clamped parameter values into cfg.Model.Params.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	if cfg.Model.Params == nil {
		cfg.Model.Params = make(map[string]float64, len(pv.Specs))
	}
	for i, val := range pv.Clamp(values) {
		cfg.Model.Params[pv.Specs[i].Name] = val
	}
}

// ExtractFromConfig reads current parameter values, falling back to defaults.
func (pv *ParamVector) ExtractFromConfig(cfg *config.Config) []float64 {
	out := pv.DefaultVector()
	for i, spec := range pv.Specs {
		if v, ok := cfg.Model.Params[spec.Name]; ok {
			out[i] = v
		}
	}
	return pv.Clamp(out)
}
