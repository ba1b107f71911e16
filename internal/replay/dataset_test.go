package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneHot frame for a small discrete domain.
func oneHot(n, idx int) Frame {
	f := make(Frame, n)
	f[idx] = 1
	return f
}

// buildDataset with 2 episodes: states 0->1->2 (done), and 3->2 (done).
// Rewards are [c, g0, g1].
func buildDataset(t *testing.T) *Dataset {
	d := NewDataset(1)
	require.NoError(t, d.StartNewEpisode(oneHot(4, 0)))
	require.NoError(t, d.Append(1, oneHot(4, 1), []float32{1, 0, 0}, false))
	require.NoError(t, d.Append(2, oneHot(4, 2), []float32{2, 1, 0}, true))
	require.NoError(t, d.StartNewEpisode(oneHot(4, 3)))
	require.NoError(t, d.Append(3, oneHot(4, 2), []float32{3, 0, 1}, true))
	return d
}

func TestDatasetPreprocess(t *testing.T) {
	d := buildDataset(t)
	require.Equal(t, 0, d.Len())
	_, err := d.Get(KeyX)
	require.ErrorIs(t, err, ErrNotPreprocessed)

	require.NoError(t, d.Preprocess(DomainLake))
	require.Equal(t, 3, d.Len())
	require.Equal(t, 2, d.MaxTrajectoryLength())
	require.Len(t, d.Episodes(), 2)

	x, err := d.Get(KeyX)
	require.NoError(t, err)
	require.Equal(t, 4, x.Width)
	// Episode order, then transition order.
	assert.Equal(t, []float32{1, 0, 0, 0}, x.Row(0))
	assert.Equal(t, []float32{0, 1, 0, 0}, x.Row(1))
	assert.Equal(t, []float32{0, 0, 0, 1}, x.Row(2))

	a, err := d.Get(KeyA)
	require.NoError(t, err)
	assert.Equal(t, Column{Rows: 3, Width: 1, Values: []float32{1, 2, 3}}, a)

	g, err := d.Get(KeyG)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Width)
	assert.Equal(t, []float32{0, 0, 1, 0, 0, 1}, g.Values)

	done, err := d.Get(KeyDone)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 1}, done.Values)

	_, err = d.Get(KeyCost)
	require.ErrorIs(t, err, ErrCostNotSet)

	pairs, err := d.StateActionPairs(DomainLake)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, pairs.Actions)
	assert.Equal(t, x.Row(2), pairs.States[2])
}

func TestDatasetPreprocessOpenEpisode(t *testing.T) {
	d := NewDataset(1)
	require.ErrorIs(t, d.Preprocess(DomainLake), ErrEmptyBuffer)
	require.ErrorIs(t, d.Append(0, oneHot(4, 1), []float32{0}, false), ErrEpisodeNotStarted)
	require.NoError(t, d.StartNewEpisode(oneHot(4, 0)))
	require.NoError(t, d.Append(0, oneHot(4, 1), []float32{0}, false))
	require.ErrorIs(t, d.StartNewEpisode(oneHot(4, 0)), ErrEpisodeInProgress)
	require.ErrorIs(t, d.Preprocess(DomainLake), ErrEpisodeInProgress)
}

func TestDatasetScalarConstraints(t *testing.T) {
	// A single constraint per transition: g has width 1 and the concatenation still works.
	d := NewDataset(1)
	require.NoError(t, d.StartNewEpisode(Frame{0}))
	require.NoError(t, d.Append(0, Frame{1}, []float32{1, 5}, true))
	require.NoError(t, d.StartNewEpisode(Frame{0}))
	require.NoError(t, d.Append(0, Frame{2}, []float32{2, 7}, true))
	require.NoError(t, d.Preprocess(DomainCar))
	g, err := d.Get(KeyG)
	require.NoError(t, err)
	assert.Equal(t, Column{Rows: 2, Width: 1, Values: []float32{5, 7}}, g)

	// Mismatched state widths are detected.
	d = NewDataset(1)
	require.NoError(t, d.StartNewEpisode(Frame{0}))
	require.NoError(t, d.Append(0, Frame{1}, []float32{1}, true))
	require.NoError(t, d.StartNewEpisode(Frame{0, 0}))
	require.NoError(t, d.Append(0, Frame{1, 1}, []float32{1}, true))
	require.Error(t, d.Preprocess(DomainLake))
}

func TestDatasetCosts(t *testing.T) {
	d := buildDataset(t)
	require.ErrorIs(t, d.SetCost(KeyC), ErrNotPreprocessed)
	require.NoError(t, d.Preprocess(DomainLake))

	require.ErrorIs(t, d.SetCost(KeyG), ErrConstraintIndexRequired)
	require.Error(t, d.SetCost(KeyG, 2))
	require.Error(t, d.SetCost(KeyX))

	require.NoError(t, d.SetCost(KeyC))
	cost, err := d.Get(KeyCost)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, cost.Values)

	require.NoError(t, d.SetCost(KeyG, 1))
	cost, err = d.Get(KeyCost)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, cost.Values)
	episodeCost, err := d.Episodes()[1].Get(KeyCost)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, episodeCost.Values)

	// Lagrangian relabeling, consistent between dataset and episodes.
	require.Error(t, d.CalculateCost([]float32{1}))
	require.NoError(t, d.CalculateCost([]float32{10, 100}))
	cost, err = d.Get(KeyCost)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 12, 103}, cost.Values)
	var fromEpisodes []float32
	for _, episode := range d.Episodes() {
		col, err := episode.Get(KeyCost)
		require.NoError(t, err)
		fromEpisodes = append(fromEpisodes, col.Values...)
	}
	assert.Equal(t, cost.Values, fromEpisodes)
}

func TestDatasetStateActionMemo(t *testing.T) {
	d := buildDataset(t)
	require.NoError(t, d.Preprocess(DomainLake))
	pairs0, err := d.StateActionPairs(DomainLake)
	require.NoError(t, err)
	pairs1, err := d.StateActionPairs(DomainLake)
	require.NoError(t, err)
	require.Same(t, pairs0, pairs1)

	// New data drops the consolidated view, and the memo with it.
	require.NoError(t, d.StartNewEpisode(oneHot(4, 0)))
	_, err = d.StateActionPairs(DomainLake)
	require.ErrorIs(t, err, ErrNotPreprocessed)
	require.NoError(t, d.Append(0, oneHot(4, 3), []float32{1, 0, 0}, true))
	require.NoError(t, d.Preprocess(DomainLake))
	pairs2, err := d.StateActionPairs(DomainLake)
	require.NoError(t, err)
	require.Len(t, pairs2.Actions, 4)
}
