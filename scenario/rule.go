package scenario

import (
	"math/rand/v2"

	"github.com/pthm-cable/tickworld/agents"
	"github.com/pthm-cable/tickworld/telemetry"
)

// Rule is a model's per-tick update. It reads the scenario through v, draws
// randomness only from rng and requests every change through out.
// Returning an error fails the scenario.
type Rule[A, C, L any] interface {
	Step(v *View[A, C, L], rng *rand.Rand, out *Batch[A, C, L]) error
}

// Seeder is implemented by rules that build the initial population.
// Seed runs once before the first tick and its batch is applied as tick 0.
type Seeder[A, C, L any] interface {
	Seed(v *View[A, C, L], rng *rand.Rand, out *Batch[A, C, L]) error
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc[A, C, L any] func(v *View[A, C, L], rng *rand.Rand, out *Batch[A, C, L]) error

// Step calls f.
func (f RuleFunc[A, C, L]) Step(v *View[A, C, L], rng *rand.Rand, out *Batch[A, C, L]) error {
	return f(v, rng, out)
}

// AgentFunc updates a single agent.
type AgentFunc[A, C, L any] func(v *View[A, C, L], h agents.Handle, a A, rng *rand.Rand, out *Batch[A, C, L]) error

// PerAgent builds a rule that calls fn once for every live agent in slot order.
func PerAgent[A, C, L any](fn AgentFunc[A, C, L]) Rule[A, C, L] {
	return RuleFunc[A, C, L](func(v *View[A, C, L], rng *rand.Rand, out *Batch[A, C, L]) error {
		for h, a := range v.Agents() {
			if err := fn(v, h, a, rng, out); err != nil {
				return err
			}
		}
		return nil
	})
}

// Probe computes model-specific observations from the post-tick state. Probes
// run only when agent metrics are enabled and get no random stream.
type Probe[A, C, L any] func(v *View[A, C, L]) []telemetry.Observation
