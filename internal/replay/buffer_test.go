package replay

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scalarFrame returns a frame with a single value, which makes windows easy to read in tests.
func scalarFrame(v float32) Frame { return Frame{v} }

func TestBufferUsageErrors(t *testing.T) {
	b, err := NewBuffer(Config{NumFrameStack: 2, Capacity: 5})
	require.NoError(t, err)

	_, err = b.CurrentState()
	require.ErrorIs(t, err, ErrEpisodeNotStarted)
	require.ErrorIs(t, b.Append(0, scalarFrame(1), []float32{0}, false), ErrEpisodeNotStarted)
	_, err = b.Sample(3, rand.New(rand.NewPCG(42, 0)))
	require.ErrorIs(t, err, ErrEmptyBuffer)

	require.NoError(t, b.StartNewEpisode(scalarFrame(0)))
	require.ErrorIs(t, b.StartNewEpisode(scalarFrame(0)), ErrEpisodeInProgress)
	require.NoError(t, b.Append(1, scalarFrame(1), []float32{0}, true))
	require.True(t, b.IsOver())

	// Closed episode: no more appends until a new one starts.
	require.ErrorIs(t, b.Append(1, scalarFrame(2), []float32{0}, false), ErrEpisodeNotStarted)
	require.NoError(t, b.StartNewEpisode(scalarFrame(5)))

	// Reward vector size is fixed by the first transition.
	require.Error(t, b.Append(1, scalarFrame(2), []float32{0, 1}, false))

	_, err = NewBuffer(Config{NumFrameStack: 0, Capacity: 5})
	require.Error(t, err)
	_, err = NewBuffer(Config{NumFrameStack: 1, Capacity: 0})
	require.Error(t, err)
}

func TestBufferWindows(t *testing.T) {
	const stack = 3
	b, err := NewBuffer(Config{NumFrameStack: stack, Capacity: 10})
	require.NoError(t, err)
	require.Equal(t, 10+2*stack+1, b.MaxFrameCache())

	require.NoError(t, b.StartNewEpisode(scalarFrame(7)))
	state, err := b.CurrentState()
	require.NoError(t, err)
	require.Equal(t, []float32{7, 7, 7}, state)

	for ii := range 5 {
		require.NoError(t, b.Append(ii%2, scalarFrame(float32(10+ii)), []float32{1}, false))
		state, err = b.CurrentState()
		require.NoError(t, err)
		require.Len(t, state, stack)
	}
	require.Equal(t, []float32{12, 13, 14}, state)

	batch := b.Transitions([]int{0, 1, 4})
	assert.Equal(t, []float32{7, 7, 7}, batch.States[0])
	assert.Equal(t, []float32{7, 7, 10}, batch.NextStates[0])
	assert.Equal(t, []float32{7, 7, 10}, batch.States[1])
	assert.Equal(t, []float32{7, 10, 11}, batch.NextStates[1])
	assert.Equal(t, []float32{11, 12, 13}, batch.States[2])
	assert.Equal(t, []float32{12, 13, 14}, batch.NextStates[2])
	assert.Equal(t, []int{0, 1, 0}, batch.Actions)
}

func TestBufferCircularOverwrite(t *testing.T) {
	const capacity = 4
	b, err := NewBuffer(Config{NumFrameStack: 2, Capacity: capacity})
	require.NoError(t, err)
	require.NoError(t, b.StartNewEpisode(scalarFrame(0)))
	for ii := 1; ii <= capacity; ii++ {
		require.NoError(t, b.Append(ii, scalarFrame(float32(ii)), []float32{float32(ii)}, false))
		require.LessOrEqual(t, b.Len(), capacity)
	}
	require.Equal(t, capacity, b.Len())

	// One more transition evicts exactly the oldest one (action 1).
	require.NoError(t, b.Append(5, scalarFrame(5), []float32{5}, false))
	require.Equal(t, capacity, b.Len())
	require.Equal(t, 5, b.Counter())
	actions, err := b.GetAll(KeyA)
	require.NoError(t, err)
	require.Equal(t, []float32{2, 3, 4, 5}, actions.Values)

	// Windows of all valid transitions still point to the right frames.
	x, err := b.GetAll(KeyX)
	require.NoError(t, err)
	require.Equal(t, 2, x.Width)
	require.Equal(t, []float32{0, 1, 1, 2, 2, 3, 3, 4}, x.Values)
	xPrime, err := b.GetAll(KeyXPrime)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 2, 3, 3, 4, 4, 5}, xPrime.Values)

	// Keep going for many wrap-arounds of the frame cache.
	for ii := 6; ii < 60; ii++ {
		require.NoError(t, b.Append(ii, scalarFrame(float32(ii)), []float32{float32(ii)}, false))
	}
	x, err = b.GetAll(KeyX)
	require.NoError(t, err)
	require.Equal(t, []float32{54, 55, 55, 56, 56, 57, 57, 58}, x.Values)
	c, err := b.GetAll(KeyC)
	require.NoError(t, err)
	require.Equal(t, []float32{56, 57, 58, 59}, c.Values)
}

func TestBufferSample(t *testing.T) {
	b, err := NewBuffer(Config{NumFrameStack: 1, Capacity: 100})
	require.NoError(t, err)
	require.NoError(t, b.StartNewEpisode(scalarFrame(0)))
	for ii := 1; ii <= 3; ii++ {
		require.NoError(t, b.Append(ii, scalarFrame(float32(ii)), []float32{float32(ii), 0}, ii == 3))
	}

	// More samples than transitions: replacement is required.
	rng := rand.New(rand.NewPCG(42, 0))
	batch, err := b.Sample(50, rng)
	require.NoError(t, err)
	require.Len(t, batch.Indices, 50)
	require.Len(t, batch.States, 50)
	seen := make(map[int]int)
	for ii, idx := range batch.Indices {
		require.Less(t, idx, min(b.Config().Capacity, b.Counter()))
		seen[idx]++
		// Consistency of the materialized transition.
		assert.Equal(t, float32(idx+1), batch.NextStates[ii][0])
		assert.Equal(t, idx+1, batch.Actions[ii])
		assert.Equal(t, idx == 2, batch.Dones[ii])
		assert.Equal(t, float32(idx+1), batch.Costs()[ii])
	}
	require.Len(t, seen, 3)
}

func TestBufferIsEnough(t *testing.T) {
	const minSize = 5
	b, err := NewBuffer(Config{NumFrameStack: 1, Capacity: 100, MinSizeToTrain: minSize})
	require.NoError(t, err)
	require.NoError(t, b.StartNewEpisode(scalarFrame(0)))
	for ii := range minSize {
		require.NoError(t, b.Append(0, scalarFrame(float32(ii)), []float32{0}, false))
		require.False(t, b.IsEnough(), "after %d transitions", ii+1)
	}
	require.NoError(t, b.Append(0, scalarFrame(9), []float32{0}, false))
	require.True(t, b.IsEnough())
}

func TestBufferEpisodeStartReusesTerminalSlot(t *testing.T) {
	b, err := NewBuffer(Config{NumFrameStack: 2, Capacity: 10})
	require.NoError(t, err)
	require.NoError(t, b.StartNewEpisode(scalarFrame(1)))
	require.NoError(t, b.Append(0, scalarFrame(2), []float32{0}, true))
	require.NoError(t, b.StartNewEpisode(scalarFrame(3)))
	state, err := b.CurrentState()
	require.NoError(t, err)
	require.Equal(t, []float32{3, 3}, state)
	require.NoError(t, b.Append(0, scalarFrame(4), []float32{0}, false))
	batch := b.Transitions([]int{1})
	require.Equal(t, []float32{3, 3}, batch.States[0])
	require.Equal(t, []float32{3, 4}, batch.NextStates[0])
}
