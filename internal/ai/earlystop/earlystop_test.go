package earlystop

import (
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feed the losses to the monitor and return the epoch at which it asked to stop, or -1.
func feed(t *testing.T, c *Convergence, losses []float32) int {
	c.OnTrainBegin()
	defer c.OnTrainEnd()
	for epoch, loss := range losses {
		stop, err := c.OnEpochEnd(epoch, map[string]float32{ai.LossMetric: loss})
		require.NoError(t, err)
		if stop {
			return epoch
		}
	}
	return -1
}

func TestConvergencePlateau(t *testing.T) {
	c := New(1e-3, 1e-6, true)
	// Strictly decreasing, then flat from epoch 4.
	stoppedAt := feed(t, c, []float32{10, 5, 2, 1, 1, 1, 1})
	assert.Equal(t, 4, stoppedAt)
	assert.True(t, c.Converged())
	assert.Len(t, c.Losses(), 5)
}

func TestConvergenceNoPlateau(t *testing.T) {
	c := New(1e-3, 1e-6, true)
	losses := make([]float32, 20)
	for ii := range losses {
		losses[ii] = float32(100 - 2*ii)
	}
	assert.Equal(t, -1, feed(t, c, losses))
	assert.False(t, c.Converged())
}

func TestConvergenceDiff(t *testing.T) {
	losses := []float32{1, 0.5, 1e-7, 1e-9}
	// Near zero loss stops only if the diff detector is enabled.
	c := New(1e-12, 1e-6, true)
	assert.Equal(t, 2, feed(t, c, losses))
	c = New(1e-12, 1e-6, false)
	assert.Equal(t, -1, feed(t, c, losses))
}

func TestConvergenceReentrant(t *testing.T) {
	c := New(1e-3, 0, false)
	assert.Equal(t, 1, feed(t, c, []float32{1, 1}))
	// A new fitting call doesn't see the history of the previous one: one epoch can't plateau.
	assert.Equal(t, -1, feed(t, c, []float32{1}))
	assert.False(t, c.Converged())
	assert.Len(t, c.Losses(), 1)
}

func TestConvergenceMissingMetric(t *testing.T) {
	c := New(1e-3, 0, false)
	c.OnTrainBegin()
	_, err := c.OnEpochEnd(0, map[string]float32{"accuracy": 1})
	require.ErrorIs(t, err, ErrMissingMetric)
}
