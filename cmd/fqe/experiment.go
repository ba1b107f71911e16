package main

import (
	"context"
	mathrand "math/rand/v2"
	"slices"
	"sync"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env/lake"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/fqi"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ope"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/report"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// EvaluatedActions is the fixed policy evaluated, for the states of the path from the start to the goal of
// the 4x4 lake. The actions of the other states are random.
var EvaluatedActions = map[int]int{0: lake.Down, 4: lake.Down, 8: lake.Right, 9: lake.Down, 13: lake.Right, 14: lake.Right}

// Experiment evaluates a fixed policy on the lake with every estimator.
type Experiment struct {
	LakeConfig   lake.Config
	FQIConfig    fqi.Config
	Approximator string
	Epsilon      float64
	Seed         uint64
}

// Run numTrials trials for each number of trajectories, with up to parallelism trials concurrently.
func (e *Experiment) Run(ctx context.Context, trajectories []int, numTrials, parallelism int) (*report.Trials, error) {
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	var mu sync.Mutex
	trials := &report.Trials{}
	for _, numTrajectories := range trajectories {
		for trialNum := range numTrials {
			g.Go(func() error {
				trial, err := e.Trial(ctx, numTrajectories, trialNum)
				if err != nil {
					return errors.WithMessagef(err, "trial %d with %d trajectories", trialNum, numTrajectories)
				}
				mu.Lock()
				trials.Add(trial)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(trials.Rows, func(a, b *report.Trial) int {
		if a.NumTrajectories != b.NumTrajectories {
			return a.NumTrajectories - b.NumTrajectories
		}
		return a.TrialNum - b.TrialNum
	})
	return trials, nil
}

// Trial collects numTrajectories episodes and evaluates the fixed policy with each estimator.
// Trials are seeded by their number, so the same trial number always evaluates the same policy.
func (e *Experiment) Trial(ctx context.Context, numTrajectories, trialNum int) (*report.Trial, error) {
	seed := e.Seed + uint64(trialNum)
	l, err := lake.New(e.LakeConfig, mathrand.New(mathrand.NewPCG(seed, uint64(numTrajectories))))
	if err != nil {
		return nil, err
	}
	evaluated, err := policy.NewFixedFromMap(EvaluatedActions, l.NumStates(), l.NumActions(), rand.NewSource(seed))
	if err != nil {
		return nil, err
	}
	behavior := policy.NewEpsilonGreedy(evaluated, e.Epsilon, rand.NewSource(seed<<20+uint64(numTrajectories)))
	gamma := float64(e.FQIConfig.Gamma)
	trial := &report.Trial{Epsilon: e.Epsilon, NumTrajectories: numTrajectories, TrialNum: trialNum}

	if trial.Exact, err = ope.NewExact(l, gamma).Run(evaluated); err != nil {
		return nil, err
	}

	dataset := replay.NewDataset(1)
	if err = ope.Collect(ctx, l, behavior, dataset, numTrajectories); err != nil {
		return nil, err
	}
	if err = dataset.Preprocess(replay.DomainLake); err != nil {
		return nil, err
	}
	if err = dataset.SetCost(replay.KeyC); err != nil {
		return nil, err
	}

	learner, err := approximators.New(e.Approximator, l.Spec(1))
	if err != nil {
		return nil, err
	}
	initialStates, err := ope.InitialStates(dataset, replay.DomainLake)
	if err != nil {
		return nil, err
	}
	cfg := e.FQIConfig
	cfg.Seed += seed
	if trial.FQE, err = ope.NewFittedQEvaluation(cfg, learner).Run(ctx, dataset, evaluated, initialStates); err != nil {
		return nil, err
	}

	is := &ope.ImportanceSampling{NumStates: l.NumStates(), NumActions: l.NumActions()}
	if trial.Approx, trial.Known, err = is.Run(dataset, evaluated, behavior, gamma); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Trial %d, %d trajectories: exact=%.4f, fqe=%.4f, approx %s, exact %s",
		trialNum, numTrajectories, trial.Exact, trial.FQE, trial.Approx, trial.Known)
	return trial, nil
}
