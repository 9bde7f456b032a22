// Package scenario runs one independent simulation: a seeded random stream that
// owns an agent store, an optional wrapped landscape and an optional link network,
// advanced tick by tick by a pluggable rule.
package scenario

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Params is a named set of model parameters.
type Params map[string]float64

// Get returns the named parameter, or fallback if it is unset.
func (p Params) Get(name string, fallback float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return fallback
}

// Int returns the named parameter truncated to an int.
func (p Params) Int(name string, fallback int) int {
	if v, ok := p[name]; ok {
		return int(v)
	}
	return fallback
}

// Clone returns an independent copy.
func (p Params) Clone() Params {
	return maps.Clone(p)
}

// String renders the parameters as name=value pairs sorted by name.
func (p Params) String() string {
	keys := slices.Sorted(maps.Keys(p))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, p[k])
	}
	return strings.Join(parts, ";")
}

// Scenario is one parameter configuration with its own random seed.
type Scenario struct {
	Index  int
	Seed   uint64
	Params Params
}

// DeriveSeed mixes a base seed with a scenario index. The result depends only on
// its inputs, so a scenario's stream is the same whichever worker runs it.
func DeriveSeed(base uint64, index int) uint64 {
	z := base + 0x9e3779b97f4a7c15*uint64(index+1)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Expand builds count scenarios with derived seeds. Each scenario starts from
// defaults and takes one point of the cartesian product of grid, assigned
// round-robin by index. The last key in sorted order varies fastest.
func Expand(base uint64, count int, grid map[string][]float64, defaults Params) []Scenario {
	keys := slices.Sorted(maps.Keys(grid))
	points := 1
	for _, k := range keys {
		points *= len(grid[k])
	}
	if points == 0 {
		keys, points = nil, 1
	}

	out := make([]Scenario, count)
	for i := range out {
		params := defaults.Clone()
		if params == nil {
			params = Params{}
		}
		rem := i % points
		for j := len(keys) - 1; j >= 0; j-- {
			values := grid[keys[j]]
			params[keys[j]] = values[rem%len(values)]
			rem /= len(values)
		}
		out[i] = Scenario{Index: i, Seed: DeriveSeed(base, i), Params: params}
	}
	return out
}
