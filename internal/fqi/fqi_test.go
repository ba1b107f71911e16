package fqi

import (
	"context"
	"flag"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/aitest"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env/lake"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBellmanTargets(t *testing.T) {
	targets := BellmanTargets(
		[]float32{1, 2, -1},
		[]float32{10, float32(math.Inf(1)), 4},
		[]float32{0, 1, 0},
		0.5)
	assert.Equal(t, []float32{6, 2, 1}, targets)
}

// indexedTransitions creates n transitions whose states are their own index, so they can be identified in batches.
func indexedTransitions(n int) *Transitions {
	t := &Transitions{}
	for ii := range n {
		t.States = append(t.States, []float32{float32(ii)})
		t.Actions = append(t.Actions, 0)
		t.NextStates = append(t.NextStates, []float32{float32((ii + 1) % n)})
		t.Costs = append(t.Costs, 1)
		t.Dones = append(t.Dones, 0)
	}
	return t
}

func TestGeneratorPermutationIsConcurrencySafe(t *testing.T) {
	const n, batchSize = 103, 10
	data := indexedTransitions(n)
	frozen := aitest.NewTable(n, 1)
	for s := range n {
		frozen.Set(s, 0, float32(s))
	}
	g, err := NewGenerator(data, frozen, 0.5, nil, batchSize, SamplingPermutation, rand.New(rand.NewPCG(1, 0)))
	require.NoError(t, err)
	steps := g.StepsPerEpoch()
	require.Equal(t, 11, steps)

	for cycle := range 3 {
		var mu sync.Mutex
		var seen []int
		var wg sync.WaitGroup
		for range steps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batch, err := g.Next()
				require.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for ii, state := range batch.States {
					idx := int(state[0])
					seen = append(seen, idx)
					// Target uses the frozen value of the next state.
					assert.Equal(t, 1+0.5*float32((idx+1)%n), batch.Targets[ii])
				}
			}()
		}
		wg.Wait()
		slices.Sort(seen)
		want := make([]int, n)
		for ii := range want {
			want[ii] = ii
		}
		require.Equal(t, want, seen, "cycle %d should cover every transition exactly once", cycle)
	}
}

func TestGeneratorUniform(t *testing.T) {
	data := indexedTransitions(5)
	g, err := NewGenerator(data, aitest.NewTable(5, 1), 0.9, nil, 8, SamplingUniform, rand.New(rand.NewPCG(2, 0)))
	require.NoError(t, err)
	assert.Equal(t, 1, g.StepsPerEpoch())
	for range 10 {
		batch, err := g.Next()
		require.NoError(t, err)
		require.Len(t, batch.States, 8, "uniform sampling draws with replacement")
	}

	_, err = NewGenerator(data, aitest.NewTable(5, 1), 0.9, nil, 0, SamplingUniform, nil)
	require.Error(t, err)
	_, err = NewGenerator(&Transitions{}, aitest.NewTable(5, 1), 0.9, nil, 1, SamplingUniform, nil)
	require.ErrorIs(t, err, replay.ErrEmptyBuffer)
}

func TestParseSampling(t *testing.T) {
	s, err := ParseSampling("Uniform")
	require.NoError(t, err)
	assert.Equal(t, SamplingUniform, s)
	_, err = ParseSampling("random")
	require.Error(t, err)
}

func TestSkim(t *testing.T) {
	data := indexedTransitions(3)
	data = data.Gather([]int{0, 1, 0, 2, 1})
	assert.Equal(t, []int{0, 1, 3}, data.Skim())
}

// lakeTransitions enumerates every (state, action) of the lake once.
func lakeTransitions(t *testing.T, l *lake.Lake) *Transitions {
	data := &Transitions{}
	for s, actions := range l.Transitions() {
		for action, outcomes := range actions {
			require.Len(t, outcomes, 1)
			outcome := outcomes[0]
			data.States = append(data.States, l.Frame(s))
			data.Actions = append(data.Actions, action)
			data.NextStates = append(data.NextStates, l.Frame(outcome.Next))
			data.Costs = append(data.Costs, float32(outcome.Cost))
			done := float32(0)
			if outcome.Done {
				done = 1
			}
			data.Dones = append(data.Dones, done)
		}
	}
	return data
}

func TestTrainerFindsOptimalValues(t *testing.T) {
	l, err := lake.New(lake.DefaultConfig(), nil)
	require.NoError(t, err)
	data := lakeTransitions(t, l)

	for _, windowed := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.FitEpochs = 5
		cfg.Windowed = windowed
		cfg.BatchSize = 7
		learner := aitest.NewTable(16, 4)
		trainer := New(cfg, learner)
		var evaluated []int
		trainer.Evaluate = func(iteration int, q ai.ValueScorer) error {
			evaluated = append(evaluated, iteration)
			return nil
		}
		q, err := trainer.RunOn(context.Background(), data)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, evaluated)
		require.Len(t, trainer.Results, cfg.MaxEpochs)

		// Shortest path to the goal takes 6 steps.
		values, actions := ai.MinOverActions(q, [][]float32{l.Frame(0), l.Frame(14), l.Frame(10)})
		assert.InDelta(t, -math.Pow(0.9, 5), values[0], 1e-5, "windowed=%v", windowed)
		assert.InDelta(t, -1, values[1], 1e-6)
		assert.Equal(t, lake.Right, actions[1])
		assert.InDelta(t, -0.9, values[2], 1e-6)
		assert.Equal(t, lake.Down, actions[2])

		// Falling in a hole: target is the cost of the transition, 0.
		assert.Equal(t, float32(0), learner.Value(1, lake.Down))
	}
}

func TestTrainerRunOnDataset(t *testing.T) {
	l, err := lake.New(lake.DefaultConfig(), nil)
	require.NoError(t, err)
	dataset := replay.NewDataset(1)
	require.NoError(t, dataset.StartNewEpisode(l.Reset()))
	for _, action := range []int{lake.Down, lake.Down, lake.Right, lake.Down, lake.Right, lake.Right} {
		frame, costs, done, err := l.Step(action)
		require.NoError(t, err)
		require.NoError(t, dataset.Append(action, frame, costs, done))
	}
	require.NoError(t, dataset.Preprocess(replay.DomainLake))

	trainer := New(DefaultConfig(), aitest.NewTable(16, 4))
	_, err = trainer.Run(context.Background(), dataset)
	require.ErrorIs(t, err, replay.ErrCostNotSet)

	require.NoError(t, dataset.SetCost(replay.KeyC))
	trainer.Skim = true
	q, err := trainer.Run(context.Background(), dataset)
	require.NoError(t, err)
	assert.InDelta(t, -math.Pow(0.9, 5), q.Score([][]float32{l.Frame(0)}, []int{lake.Down})[0], 1e-5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.Run(ctx, dataset)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegisterFlags(t *testing.T) {
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	configFn := RegisterFlags(flagSet)
	require.NoError(t, flagSet.Parse([]string{"-max_epochs=7", "-windowed", "-sampling=uniform", "-gamma=0.5"}))
	cfg, err := configFn()
	require.NoError(t, err)
	want := DefaultConfig()
	want.MaxEpochs = 7
	want.Windowed = true
	want.Sampling = SamplingUniform
	want.Gamma = 0.5
	assert.Equal(t, want, cfg)

	// Lake defaults stop on either detector, and skim repeated transitions.
	defaults := DefaultConfig()
	assert.True(t, defaults.UseBoth)
	assert.Equal(t, 1e-10, defaults.Diff)
	assert.Equal(t, 1e-8, defaults.Epsilon)
	assert.True(t, defaults.Skim)
	assert.Contains(t, flagSet.Lookup("convergence_epsilon").Usage, "consecutive epochs")
	assert.Contains(t, flagSet.Lookup("convergence_diff").Usage, "below")
	assert.Contains(t, flagSet.Lookup("convergence_use_both").Usage, "either")

	require.NoError(t, flagSet.Set("domain", "sea"))
	_, err = configFn()
	require.Error(t, err)
}
