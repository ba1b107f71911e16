package ai_test

import (
	"math"
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/aitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinOverActions(t *testing.T) {
	table := aitest.NewTable(2, 3)
	table.Set(0, 1, -2)
	table.Set(1, 0, 1)
	table.Set(1, 1, 1)
	table.Set(1, 2, 1)
	states := [][]float32{ai.OneHotEncoding(2, 0), ai.OneHotEncoding(2, 1)}
	values, actions := ai.MinOverActions(table, states)
	assert.Equal(t, []float32{-2, 1}, values)
	assert.Equal(t, []int{1, 0}, actions, "ties broken by lowest action")
	assert.Equal(t, 1, ai.GreedyAction(table, states[0]))

	values, actions = ai.MinOverActions(table, nil)
	assert.Nil(t, values)
	assert.Nil(t, actions)
}

func TestStateIndex(t *testing.T) {
	assert.Equal(t, 3, ai.StateIndex(ai.OneHotEncoding(5, 3), 5))
	// Stacked frames: the most recent one counts.
	stacked := append(ai.OneHotEncoding(5, 1), ai.OneHotEncoding(5, 4)...)
	assert.Equal(t, 4, ai.StateIndex(stacked, 5))
	assert.Equal(t, 7, ai.StateIndex([]float32{7}, 16))
	assert.Panics(t, func() { ai.StateIndex(nil, 5) })

	// Stacked scalar frames.
	assert.Equal(t, 1, ai.StateIndex([]float32{1, 1}, 2))
	assert.Equal(t, 0, ai.StateIndex([]float32{1, 0}, 2))
	assert.Equal(t, 3, ai.StateIndex([]float32{2, 3}, 2))
	assert.Equal(t, 0, ai.StateIndex([]float32{5}, 1))
}

func TestRepresentation(t *testing.T) {
	spec := ai.Spec{NumStates: 3, NumActions: 2, NumFrameStack: 2}
	r := spec.Representation()
	require.Equal(t, 6, r.Width(false))
	require.Equal(t, 8, r.Width(true))
	states := [][]float32{
		append(ai.OneHotEncoding(3, 0), ai.OneHotEncoding(3, 1)...),
		append(ai.OneHotEncoding(3, 2), ai.OneHotEncoding(3, 2)...),
	}

	rows := r.Build(states)
	require.Len(t, rows, 2)
	assert.Equal(t, states[0], rows[0])
	assert.Equal(t, states[1], rows[1])

	rows = r.Build(states, []int{1, 0})
	require.Len(t, rows, 2)
	assert.Equal(t, []float32{1, 0, 0, 0, 1, 0, 0, 1}, rows[0])
	assert.Equal(t, []float32{0, 0, 1, 0, 0, 1, 1, 0}, rows[1])

	// Padding rows are left untouched.
	flat := make([]float32, 3*r.Width(true))
	r.Fill(flat, states, []int{1, 0})
	assert.Equal(t, rows[1], flat[8:16])
	assert.Equal(t, make([]float32, 8), flat[16:])

	assert.Panics(t, func() { r.Build(states, []int{0, 1}, []int{1, 0}) }, "more than two groups")
	assert.Panics(t, func() { r.Build(states, []int{0}) }, "mismatched actions")
	assert.Panics(t, func() { r.Build(states, []int{0, 2}) }, "action out of range")
	assert.Panics(t, func() { r.Build([][]float32{{1, 0, 0}}) }, "state of the wrong width")
	assert.Panics(t, func() { r.Fill(make([]float32, 4), states) }, "not enough room")
}

func TestSoftmax(t *testing.T) {
	probs := ai.Softmax([]float64{1000, 1000 + math.Log(3)})
	assert.InDeltaSlice(t, []float64{0.25, 0.75}, probs, 1e-12)
	assert.Empty(t, ai.Softmax(nil))
}
