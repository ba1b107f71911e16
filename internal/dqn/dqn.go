// Package dqn implements online deep Q learning: an epsilon-greedy agent interacts with the environment,
// records its transitions in a windowed replay buffer, and periodically fits its approximator to Bellman
// targets computed with a target copy of itself.
package dqn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/fqi"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the DQN training.
type Config struct {
	// NumIterations is the maximum number of episodes.
	NumIterations int

	// Gamma is the discount factor.
	Gamma float32

	// SampleEveryNTransitions sets how often a training step is taken, counted in agent steps.
	SampleEveryNTransitions int

	// BatchSize sampled from the replay buffer at every training step.
	BatchSize int

	// CopyTargetEveryMTrainingIterations sets how often the approximator is copied to the target,
	// counted in training steps.
	CopyTargetEveryMTrainingIterations int

	// FrameSkip repeats every action this many times, summing the costs.
	FrameSkip int

	// BufferSize is the capacity of the replay buffer.
	BufferSize int

	// NumFrameStack is the number of frames of each state.
	NumFrameStack int

	// MinBufferSizeToTrain is the number of transitions that must be exceeded before training starts.
	MinBufferSizeToTrain int

	// MaxTimeInEpisode ends episodes after this many agent steps. 0 disables it.
	MaxTimeInEpisode int

	// Goal of the average performance over the last AvgOver episodes, at which training stops.
	Goal    float64
	AvgOver int

	// ActionSpaceMap maps the actions of the approximator to the actions of the environment.
	// If nil, they are the same.
	ActionSpaceMap []int

	// Seed of the exploration.
	Seed uint64
}

// DefaultConfig returns the default DQN configuration.
func DefaultConfig() Config {
	return Config{
		NumIterations:                      5000,
		Gamma:                              0.9,
		SampleEveryNTransitions:            10,
		BatchSize:                          1000,
		CopyTargetEveryMTrainingIterations: 100,
		FrameSkip:                          1,
		BufferSize:                         10000,
		NumFrameStack:                      1,
		MinBufferSizeToTrain:               1000,
		MaxTimeInEpisode:                   100,
		Goal:                               0.85,
		AvgOver:                            100,
		Seed:                               42,
	}
}

// EpsilonSchedule returns the exploration probability at the given episode.
type EpsilonSchedule func(episode int) float64

// LinearEpsilon decays linearly from start to end over decayEpisodes, and stays at end afterwards.
func LinearEpsilon(start, end float64, decayEpisodes int) EpsilonSchedule {
	return func(episode int) float64 {
		if decayEpisodes <= 0 || episode >= decayEpisodes {
			return end
		}
		return start + (end-start)*float64(episode)/float64(decayEpisodes)
	}
}

// EpisodeStats are reported at the end of every episode.
type EpisodeStats struct {
	Episode, Steps                  int
	TimeSteps, TrainingIteration    int
	Cost                            float32
	Performance, AveragePerformance float64
	Epsilon                         float64
	Elapsed                         time.Duration
}

// Stats of a training run.
type Stats struct {
	Episodes, TimeSteps, TrainingIterations int
	AveragePerformance                      float64
	ReachedGoal                             bool
}

// Trainer of a Q approximator with DQN.
type Trainer struct {
	Config

	Env    env.Environment
	Q      ai.ValueLearner
	Target ai.ValueLearner
	Buffer *replay.Buffer

	// Epsilon schedule of the exploration.
	Epsilon EpsilonSchedule

	// Performance of the episodes.
	Performance *Performance

	// OnEpisodeEnd, if set, is called at the end of every episode.
	OnEpisodeEnd func(stats EpisodeStats)

	// TimeSteps counts the agent steps, and TrainingIteration the training steps taken (-1 before the first).
	TimeSteps, TrainingIteration int

	rng *rand.Rand
}

// New creates a DQN trainer of q on the environment. The target approximator is a clone of q.
func New(cfg Config, environment env.Environment, q ai.ValueLearner) (*Trainer, error) {
	if cfg.SampleEveryNTransitions <= 0 || cfg.CopyTargetEveryMTrainingIterations <= 0 || cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid DQN configuration %+v", cfg)
	}
	if environment.MinCost() == 0 {
		return nil, errors.New("environment with MinCost 0, performance can't be normalized")
	}
	numActions := environment.NumActions()
	if cfg.ActionSpaceMap != nil {
		numActions = len(cfg.ActionSpaceMap)
	}
	if q.NumActions() != numActions {
		return nil, errors.Errorf("approximator %s has %d actions, but the environment takes %d", q, q.NumActions(), numActions)
	}
	buffer, err := replay.NewBuffer(replay.Config{
		NumFrameStack:  max(cfg.NumFrameStack, 1),
		Capacity:       cfg.BufferSize,
		MinSizeToTrain: cfg.MinBufferSizeToTrain,
	})
	if err != nil {
		return nil, err
	}
	target, err := q.Clone()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create target approximator for %s", q)
	}
	return &Trainer{
		Config:            cfg,
		Env:               environment,
		Q:                 q,
		Target:            target,
		Buffer:            buffer,
		Epsilon:           LinearEpsilon(1, 0.05, cfg.NumIterations/2),
		Performance:       NewPerformance(cfg.Goal, cfg.AvgOver),
		TrainingIteration: -1,
		rng:               rand.New(rand.NewPCG(cfg.Seed, 0)),
	}, nil
}

// String implements fmt.Stringer.
func (t *Trainer) String() string {
	return fmt.Sprintf("DQN(%s, gamma=%g)", t.Q, t.Gamma)
}

// Act returns the greedy action of the approximator for the state.
func (t *Trainer) Act(state []float32) int {
	return ai.GreedyAction(t.Q, state)
}

// envAction maps an approximator action to the environment.
func (t *Trainer) envAction(action int) int {
	if t.ActionSpaceMap == nil {
		return action
	}
	return t.ActionSpaceMap[action]
}

// Learn runs up to NumIterations episodes, and stops earlier if the performance goal is reached.
func (t *Trainer) Learn(ctx context.Context) (Stats, error) {
	var stats Stats
	start := time.Now()
	for episode := range t.NumIterations {
		if err := ctx.Err(); err != nil {
			return stats, errors.Wrapf(err, "%s interrupted at episode %d", t, episode)
		}
		episodeStart := time.Now()
		steps, cost, err := t.runEpisode(episode)
		if err != nil {
			return stats, errors.WithMessagef(err, "%s: episode %d", t, episode)
		}
		t.Performance.Append(float64(cost / t.Env.MinCost()))
		stats = Stats{
			Episodes:           episode + 1,
			TimeSteps:          t.TimeSteps,
			TrainingIterations: t.TrainingIteration + 1,
			AveragePerformance: t.Performance.Average(),
			ReachedGoal:        t.Performance.ReachedGoal(),
		}
		episodeStats := EpisodeStats{
			Episode:            episode,
			Steps:              steps,
			TimeSteps:          t.TimeSteps,
			TrainingIteration:  t.TrainingIteration,
			Cost:               cost,
			Performance:        t.Performance.Last(),
			AveragePerformance: stats.AveragePerformance,
			Epsilon:            t.Epsilon(episode),
			Elapsed:            time.Since(episodeStart),
		}
		klog.V(2).Infof("Episode %d: %d steps (total %d), %d training steps, performance %.3f, average %.3f (elapsed %s)",
			episode, steps, t.TimeSteps, t.TrainingIteration+1, episodeStats.Performance,
			episodeStats.AveragePerformance, time.Since(start))
		if t.OnEpisodeEnd != nil {
			t.OnEpisodeEnd(episodeStats)
		}
		if stats.ReachedGoal {
			klog.V(1).Infof("%s reached goal %.3f after %d episodes", t, t.Goal, episode+1)
			break
		}
	}
	return stats, nil
}

// runEpisode plays one episode, training along the way.
func (t *Trainer) runEpisode(episode int) (steps int, episodeCost float32, err error) {
	if err = t.Buffer.StartNewEpisode(t.Env.Reset()); err != nil {
		return
	}
	numActions := t.Q.NumActions()
	epsilon := t.Epsilon(episode)
	done := false
	for !done {
		steps++
		t.TimeSteps++
		state, err := t.Buffer.CurrentState()
		if err != nil {
			return steps, episodeCost, err
		}
		action := t.Act(state)
		if t.rng.Float64() < epsilon {
			action = t.rng.IntN(numActions)
		}

		var cost float32
		var frame replay.Frame
		for range max(t.FrameSkip, 1) {
			if done {
				continue
			}
			var costs []float32
			frame, costs, done, err = t.Env.Step(t.envAction(action))
			if err != nil {
				return steps, episodeCost, err
			}
			cost += costs[0]
		}
		earlyDone, punishment := t.Env.IsEarlyEpisodeTermination(cost)
		cost += punishment
		done = done || earlyDone
		if t.MaxTimeInEpisode > 0 && steps >= t.MaxTimeInEpisode {
			done = true
		}
		if err = t.Buffer.Append(action, frame, []float32{cost}, done); err != nil {
			return steps, episodeCost, err
		}

		if t.TimeSteps%t.SampleEveryNTransitions == 0 && t.Buffer.IsEnough() {
			if err = t.trainStep(); err != nil {
				return steps, episodeCost, err
			}
		}
		episodeCost += cost
	}
	return steps, episodeCost, nil
}

// trainStep fits Q for one step on a batch sampled from the buffer, with targets from the target approximator.
func (t *Trainer) trainStep() error {
	t.TrainingIteration++
	if t.TrainingIteration%t.CopyTargetEveryMTrainingIterations == 0 {
		if err := t.Q.CopyTo(t.Target); err != nil {
			return errors.WithMessage(err, "updating target approximator")
		}
	}
	batch, err := t.Buffer.Sample(t.BatchSize, t.rng)
	if err != nil {
		return err
	}
	dones := make([]float32, len(batch.Dones))
	for ii, done := range batch.Dones {
		if done {
			dones[ii] = 1
		}
	}
	nextValues := fqi.MinNextValue(t.Target, batch.NextStates)
	targets := fqi.BellmanTargets(batch.Costs(), nextValues, dones, t.Gamma)
	_, err = ai.Fit(t.Q, batch.States, batch.Actions, targets, ai.FitConfig{Epochs: 1, BatchSize: -1})
	return err
}
