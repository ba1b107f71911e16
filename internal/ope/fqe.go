package ope

import (
	"context"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/fqi"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// PolicyNextValue returns the fqi.NextValueFn of the evaluation of p: the expected value
// sum_a p(a|x') Q(x', a) of the next states.
func PolicyNextValue(p policy.Policy) fqi.NextValueFn {
	return func(frozen ai.ValueScorer, nextStates [][]float32) []float32 {
		values := make([]float32, len(nextStates))
		for ii, q := range frozen.AllActions(nextStates) {
			var v float64
			for action, prob := range p.Probabilities(nextStates[ii]) {
				if prob != 0 {
					v += prob * float64(q[action])
				}
			}
			values[ii] = float32(v)
		}
		return values
	}
}

// FittedQEvaluation estimates the cost of a policy by fitting its Q function with fitted iteration, and
// evaluating it at the initial states.
type FittedQEvaluation struct {
	Config  fqi.Config
	Learner ai.ValueLearner

	// Trainer of the last Run.
	Trainer *fqi.Trainer
}

// NewFittedQEvaluation creates a FittedQEvaluation that trains learner.
func NewFittedQEvaluation(cfg fqi.Config, learner ai.ValueLearner) *FittedQEvaluation {
	return &FittedQEvaluation{Config: cfg, Learner: learner}
}

// Run fits the Q function of p on the dataset, and returns its mean value over the initial states.
// The dataset must be preprocessed and have its cost selected.
func (e *FittedQEvaluation) Run(ctx context.Context, dataset *replay.Dataset, p policy.Policy, initialStates [][]float32) (float64, error) {
	if len(initialStates) == 0 {
		return 0, errors.New("fitted Q evaluation requires at least one initial state")
	}
	e.Trainer = fqi.New(e.Config, e.Learner)
	e.Trainer.NextValue = PolicyNextValue(p)
	q, err := e.Trainer.Run(ctx, dataset)
	if err != nil {
		return 0, errors.WithMessagef(err, "fitted Q evaluation of %s", p)
	}
	return Value(q, p, initialStates), nil
}

// Value returns the mean over states of the expected value of q under p.
func Value(q ai.ValueScorer, p policy.Policy, states [][]float32) float64 {
	values := PolicyNextValue(p)(q, states)
	asFloat64 := make([]float64, len(values))
	for ii, v := range values {
		asFloat64[ii] = float64(v)
	}
	return stat.Mean(asFloat64, nil)
}

// InitialStates returns the first state of every episode of the dataset.
func InitialStates(dataset *replay.Dataset, kind replay.DomainKind) ([][]float32, error) {
	episodes := dataset.Episodes()
	states := make([][]float32, 0, len(episodes))
	for ii, episode := range episodes {
		pairs, err := episode.StateActionPairs(kind)
		if err != nil {
			return nil, errors.WithMessagef(err, "initial state of episode %d", ii)
		}
		if len(pairs.States) > 0 {
			states = append(states, pairs.States[0])
		}
	}
	return states, nil
}
