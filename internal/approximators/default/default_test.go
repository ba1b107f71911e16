package _default

import (
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/linear"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	assert.Equal(t, []string{"cnn", "fnn", "linear"}, approximators.Registered())
}

func TestLinear(t *testing.T) {
	spec := ai.Spec{NumStates: 16, NumActions: 4, NumFrameStack: 1}
	learner, err := approximators.New("linear,learning_rate=0.05,num_steps=2,batch_size=32", spec)
	require.NoError(t, err)
	s, ok := learner.(*linear.Scorer)
	require.True(t, ok)
	assert.Equal(t, float32(0.05), s.LearningRate)
	assert.Equal(t, 2, s.NumSteps)
	assert.Equal(t, 32, s.BatchSize())

	_, err = approximators.New("linear", ai.Spec{NumStates: 16, NumActions: 4, NumFrameStack: 3})
	require.Error(t, err)
}
