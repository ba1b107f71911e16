package lake

import (
	"flag"
	"math/rand/v2"
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	l, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 16, l.NumStates())
	assert.Equal(t, 4, l.NumActions())
	assert.Equal(t, 0, l.InitialState())
	assert.Equal(t, []int{5, 7, 11, 12}, l.Holes())
	assert.Equal(t, []int{15}, l.Goals())
	assert.Equal(t, float32(-1), l.MinCost())
	spec := l.Spec(1)
	assert.Equal(t, 4, spec.GridHeight)
	assert.Equal(t, 16, spec.FrameSize())

	_, err = New(Config{Map: []string{"SF", "F"}}, nil)
	require.Error(t, err)
	_, err = New(Config{Map: []string{"FF", "FG"}}, nil)
	require.Error(t, err, "no start")
	_, err = New(Config{Map: []string{"SX", "FG"}}, nil)
	require.Error(t, err)
}

func TestStepToGoal(t *testing.T) {
	l, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	frame := l.Reset()
	assert.Equal(t, 0, ai.StateIndex(frame, 16))

	// Down, Down, Right, Down, Right, Right: 0 -> 4 -> 8 -> 9 -> 13 -> 14 -> 15.
	path := []int{Down, Down, Right, Down, Right, Right}
	want := []int{4, 8, 9, 13, 14, 15}
	for ii, action := range path {
		frame, costs, done, err := l.Step(action)
		require.NoError(t, err)
		require.Len(t, costs, NumCosts)
		assert.Equal(t, want[ii], ai.StateIndex(frame, 16))
		if ii < len(path)-1 {
			assert.False(t, done)
			assert.Equal(t, []float32{0, 0, 0}, costs)
		} else {
			assert.True(t, done)
			assert.Equal(t, []float32{-1, 0, 0}, costs)
		}
	}
	_, _, _, err = l.Step(Left)
	require.Error(t, err, "stepping after the episode is over")
}

func TestStepIntoHoleAndWalls(t *testing.T) {
	l, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	l.Reset()

	// Walls keep the agent in place.
	frame, _, done, err := l.Step(Left)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, ai.StateIndex(frame, 16))
	frame, _, _, _ = l.Step(Up)
	assert.Equal(t, 0, ai.StateIndex(frame, 16))

	_, _, _, err = l.Step(NumActions)
	require.Error(t, err)

	l.Step(Right)
	_, costs, done, err := l.Step(Down) // 1 -> 5, a hole.
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []float32{0, 1, 0}, costs)
}

func TestEarlyTermination(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSteps = 3
	cfg.Punishment = 2
	l, err := New(cfg, nil)
	require.NoError(t, err)
	l.Reset()
	for range 2 {
		_, _, done, err := l.Step(Left)
		require.NoError(t, err)
		require.False(t, done)
		early, punishment := l.IsEarlyEpisodeTermination(0)
		require.False(t, early)
		require.Zero(t, punishment)
	}
	_, _, _, err = l.Step(Left)
	require.NoError(t, err)
	early, punishment := l.IsEarlyEpisodeTermination(0)
	assert.True(t, early)
	assert.Equal(t, float32(2), punishment)
	_, _, _, err = l.Step(Left)
	require.Error(t, err)
}

func TestTransitions(t *testing.T) {
	l, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	transitions := l.Transitions()
	assert.Nil(t, transitions[5], "holes are terminal")
	assert.Nil(t, transitions[15], "goal is terminal")
	outcomes := transitions[14][Right]
	require.Len(t, outcomes, 1)
	assert.Equal(t, 15, outcomes[0].Next)
	assert.Equal(t, -1.0, outcomes[0].Cost)
	assert.True(t, outcomes[0].Done)

	cfg := DefaultConfig()
	cfg.Slippery = true
	slippery, err := New(cfg, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	for s, actions := range slippery.Transitions() {
		for action, outcomes := range actions {
			var total float64
			for _, outcome := range outcomes {
				total += outcome.Prob
			}
			assert.InDelta(t, 1.0, total, 1e-9, "state %d, action %d", s, action)
		}
	}
	// From the start, Left slips Up (stays), Left (stays) or Down.
	outcomes = slippery.Transitions()[0][Left]
	require.Len(t, outcomes, 2)
	assert.Equal(t, 0, outcomes[0].Next)
	assert.InDelta(t, 2.0/3.0, outcomes[0].Prob, 1e-9)
	assert.Equal(t, 4, outcomes[1].Next)
	assert.InDelta(t, 1.0/3.0, outcomes[1].Prob, 1e-9)
}

func TestMapByName(t *testing.T) {
	m, err := MapByName("8x8")
	require.NoError(t, err)
	l, err := New(Config{Map: m}, nil)
	require.NoError(t, err)
	assert.Equal(t, 64, l.NumStates())
	assert.Equal(t, []int{63}, l.Goals())
	_, err = MapByName("3x3")
	require.Error(t, err)
}

func TestRegisterFlags(t *testing.T) {
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	configFn := RegisterFlags(flagSet)
	require.NoError(t, flagSet.Parse([]string{"-map=8x8", "-slippery", "-punishment=2"}))
	cfg, err := configFn()
	require.NoError(t, err)
	assert.Equal(t, Map8x8, cfg.Map)
	assert.True(t, cfg.Slippery)
	assert.Equal(t, 100, cfg.MaxSteps)
	assert.Equal(t, float32(2), cfg.Punishment)

	require.NoError(t, flagSet.Set("map", "2x2"))
	_, err = configFn()
	require.Error(t, err)
}
