// Package fqi implements fitted value iteration on a fixed dataset of transitions: at every iteration the
// approximator is fit to the Bellman targets cost + gamma * V(x') * (1 - done), where V(x') is taken from
// the approximator frozen at the start of the iteration.
//
// With the default NextValueFn, V(x') = min_a Q(x', a), and this is fitted Q iteration. Other NextValueFn
// turn it into the evaluation of a fixed policy (see package ope).
package fqi

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/earlystop"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the fitted iteration.
type Config struct {
	// MaxEpochs is the number of outer iterations, each one a full fit to new targets.
	MaxEpochs int

	// Gamma is the discount factor.
	Gamma float32

	// FitEpochs is the maximum number of epochs of each fit, usually cut short by the convergence monitor.
	FitEpochs int

	// Epsilon, Diff and UseBoth configure the convergence monitor, see earlystop.Convergence.
	Epsilon, Diff float64
	UseBoth       bool

	// BatchSize of the fits. For the simple variant 0 means the whole dataset in one batch, for the windowed
	// variant 0 means the learner's batch size.
	BatchSize int

	// Windowed selects the variant that keeps two approximators, the previous one frozen while the current one
	// is fit with batches produced concurrently by a Generator.
	Windowed bool

	// Sampling and Workers of the Generator of the windowed variant.
	Sampling Sampling
	Workers  int

	// Skim drops repeated (state, action, next state) transitions before fitting.
	Skim bool

	// Kind of domain of the dataset.
	Kind replay.DomainKind

	// Seed for shuffling and sampling.
	Seed uint64
}

// DefaultConfig returns the configuration used for the lake experiments.
func DefaultConfig() Config {
	return Config{
		MaxEpochs: 10,
		Gamma:     0.9,
		FitEpochs: 3000,
		Epsilon:   1e-8,
		Diff:      1e-10,
		UseBoth:   true,
		Sampling:  SamplingPermutation,
		Workers:   4,
		Skim:      true,
		Kind:      replay.DomainLake,
		Seed:      42,
	}
}

// Trainer runs fitted iteration on a learner.
type Trainer struct {
	Config

	// Learner being fit. It is returned by Run.
	Learner ai.ValueLearner

	// NextValue of the Bellman targets. If nil, MinNextValue.
	NextValue NextValueFn

	// Evaluate, if set, is called at the start of every iteration with the current approximator.
	// An error interrupts the training.
	Evaluate func(iteration int, q ai.ValueScorer) error

	// Results of the fit of every iteration.
	Results []ai.FitResult
}

// New creates a Trainer for learner.
func New(cfg Config, learner ai.ValueLearner) *Trainer {
	return &Trainer{Config: cfg, Learner: learner}
}

// String implements fmt.Stringer.
func (t *Trainer) String() string {
	variant := "simple"
	if t.Windowed {
		variant = "windowed"
	}
	return fmt.Sprintf("FQI(%s, %s, gamma=%g)", t.Learner, variant, t.Gamma)
}

// Run the fitted iteration on the dataset, and returns the fitted learner.
//
// The dataset must be preprocessed and have its cost selected (SetCost or CalculateCost).
func (t *Trainer) Run(ctx context.Context, dataset *replay.Dataset) (ai.ValueLearner, error) {
	data, err := FromDataset(dataset, t.Kind)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", t)
	}
	return t.RunOn(ctx, data)
}

// RunOn runs the fitted iteration on the given transitions.
func (t *Trainer) RunOn(ctx context.Context, data *Transitions) (ai.ValueLearner, error) {
	if err := data.check(); err != nil {
		return nil, err
	}
	if t.Skim {
		numTransitions := data.Len()
		data = data.Gather(data.Skim())
		klog.V(1).Infof("%s: skimmed %d transitions to %d distinct ones", t, numTransitions, data.Len())
	}
	if t.NextValue == nil {
		t.NextValue = MinNextValue
	}
	t.Results = t.Results[:0]
	rng := rand.New(rand.NewPCG(t.Seed, 0))
	monitor := earlystop.New(t.Epsilon, t.Diff, t.UseBoth)

	var previous ai.ValueLearner
	if t.Windowed {
		var err error
		previous, err = t.Learner.Clone()
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: failed to clone the learner", t)
		}
	}

	start := time.Now()
	for iteration := range t.MaxEpochs {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "%s interrupted at iteration %d", t, iteration)
		}
		if t.Evaluate != nil {
			if err := t.Evaluate(iteration, t.Learner); err != nil {
				return nil, errors.WithMessagef(err, "%s: evaluating iteration %d", t, iteration)
			}
		}
		var result ai.FitResult
		var err error
		if t.Windowed {
			result, err = t.windowedIteration(ctx, data, previous, monitor, rng)
		} else {
			result, err = t.simpleIteration(data, monitor, rng)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: iteration %d", t, iteration)
		}
		t.Results = append(t.Results, result)
		klog.V(1).Infof("%s: iteration %d, %d epochs, loss=%g, converged=%v (elapsed %s)",
			t, iteration, result.Epochs, result.Loss, monitor.Converged(), time.Since(start))
	}
	return t.Learner, nil
}

// simpleIteration computes all targets upfront, so they come from the learner as it was before the fit.
func (t *Trainer) simpleIteration(data *Transitions, monitor *earlystop.Convergence, rng *rand.Rand) (ai.FitResult, error) {
	nextValues := t.NextValue(t.Learner, data.NextStates)
	targets := BellmanTargets(data.Costs, nextValues, data.Dones, t.Gamma)
	batchSize := t.BatchSize
	if batchSize == 0 {
		batchSize = -1
	}
	return ai.Fit(t.Learner, data.States, data.Actions, targets, ai.FitConfig{
		Epochs:    t.FitEpochs,
		BatchSize: batchSize,
		Rng:       rng,
		Monitor:   monitor,
	})
}

// windowedIteration fits the learner with targets from previous, and then refreshes previous.
func (t *Trainer) windowedIteration(ctx context.Context, data *Transitions, previous ai.ValueLearner,
	monitor *earlystop.Convergence, rng *rand.Rand) (ai.FitResult, error) {
	batchSize := t.BatchSize
	if batchSize <= 0 {
		batchSize = t.Learner.BatchSize()
	}
	generator, err := NewGenerator(data, previous, t.Gamma, t.NextValue, batchSize, t.Sampling,
		rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64())))
	if err != nil {
		return ai.FitResult{}, err
	}
	result, err := ai.FitGenerator(ctx, t.Learner, generator, ai.GeneratorConfig{
		Epochs:  t.FitEpochs,
		Workers: t.Workers,
		Monitor: monitor,
	})
	if err != nil {
		return result, err
	}
	if err = t.Learner.CopyTo(previous); err != nil {
		return result, errors.WithMessage(err, "refreshing the frozen approximator")
	}
	return result, nil
}
