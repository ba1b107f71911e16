package ope

import (
	"fmt"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Estimates of the discounted cost of a policy by importance sampling.
type Estimates struct {
	// IS reweights the return of every episode by the ratio of the probabilities of all its actions.
	IS float64

	// WeightedIS normalizes IS by the sum of the ratios.
	WeightedIS float64

	// PDIS (per-decision) reweights every cost by the ratio of the probabilities of the actions up to it.
	PDIS float64

	// WeightedPDIS normalizes PDIS per time step.
	WeightedPDIS float64
}

// String implements fmt.Stringer.
func (e Estimates) String() string {
	return fmt.Sprintf("IS=%.4f, WIS=%.4f, PDIS=%.4f, WPDIS=%.4f", e.IS, e.WeightedIS, e.PDIS, e.WeightedPDIS)
}

// ImportanceSampling estimates with the episodes of a dataset.
//
// The approximate estimates use the behavior probabilities counted in the dataset, which requires discrete
// states. The exact ones use the probabilities of the behavior policy.
type ImportanceSampling struct {
	NumStates, NumActions int
}

// episode data used by the estimators.
type episode struct {
	states  [][]float32
	actions []int
	costs   []float32
}

// Run the estimators for the evaluated policy on the dataset, which must be preprocessed with its cost
// selected. If behavior is nil, exact is left empty.
func (is *ImportanceSampling) Run(dataset *replay.Dataset, evaluated, behavior policy.Policy, gamma float64) (approx, exact Estimates, err error) {
	episodes := make([]episode, 0, len(dataset.Episodes()))
	counts := make([]float64, is.NumStates*is.NumActions)
	for ii, buffer := range dataset.Episodes() {
		var ep episode
		ep, err = loadEpisode(buffer)
		if err != nil {
			return approx, exact, errors.WithMessagef(err, "importance sampling, episode %d", ii)
		}
		for t, state := range ep.states {
			counts[ai.StateIndex(state, is.NumStates)*is.NumActions+ep.actions[t]]++
		}
		episodes = append(episodes, ep)
	}
	if len(episodes) == 0 {
		return approx, exact, replay.ErrEmptyBuffer
	}

	empirical := func(state []float32, action int) float64 {
		s := ai.StateIndex(state, is.NumStates)
		row := counts[s*is.NumActions : (s+1)*is.NumActions]
		return row[action] / floats.Sum(row)
	}
	approx = estimate(episodes, evaluated, empirical, gamma)
	if behavior != nil {
		exact = estimate(episodes, evaluated, func(state []float32, action int) float64 {
			return behavior.Probabilities(state)[action]
		}, gamma)
	}
	return approx, exact, nil
}

func loadEpisode(buffer *replay.Buffer) (ep episode, err error) {
	pairs, err := buffer.StateActionPairs(replay.DomainLake)
	if err != nil {
		return
	}
	costs, err := buffer.Get(replay.KeyCost)
	if err != nil {
		return
	}
	return episode{states: pairs.States, actions: pairs.Actions, costs: costs.Values}, nil
}

// estimate with the given behavior probabilities. Shorter episodes are padded with zero costs, keeping their
// last ratio.
func estimate(episodes []episode, evaluated policy.Policy, behaviorProb func(state []float32, action int) float64,
	gamma float64) Estimates {
	maxLen := 0
	for _, ep := range episodes {
		maxLen = max(maxLen, len(ep.states))
	}
	numEpisodes := len(episodes)
	// ratios[t][i] and discountedCosts[t][i] for episode i at step t.
	ratios := make([][]float64, maxLen)
	discountedCosts := make([][]float64, maxLen)
	for t := range maxLen {
		ratios[t] = make([]float64, numEpisodes)
		discountedCosts[t] = make([]float64, numEpisodes)
	}
	for i, ep := range episodes {
		rho, discount := 1.0, 1.0
		for t := range maxLen {
			if t < len(ep.states) {
				probs := evaluated.Probabilities(ep.states[t])
				rho *= probs[ep.actions[t]] / behaviorProb(ep.states[t], ep.actions[t])
				discountedCosts[t][i] = discount * float64(ep.costs[t])
				discount *= gamma
			}
			ratios[t][i] = rho
		}
	}

	var e Estimates
	returns := make([]float64, numEpisodes)
	for t := range maxLen {
		floats.Add(returns, discountedCosts[t])
		e.PDIS += floats.Dot(ratios[t], discountedCosts[t]) / float64(numEpisodes)
		if sum := floats.Sum(ratios[t]); sum > 0 {
			e.WeightedPDIS += floats.Dot(ratios[t], discountedCosts[t]) / sum
		}
	}
	final := ratios[maxLen-1]
	e.IS = floats.Dot(final, returns) / float64(numEpisodes)
	if sum := floats.Sum(final); sum > 0 {
		e.WeightedIS = floats.Dot(final, returns) / sum
	}
	return e
}
