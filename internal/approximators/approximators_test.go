package approximators

import (
	"testing"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/linear"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTestModules() {
	keywordToModules = make(map[string]Module)
	RegisterModule("table", ModuleFunc(func(filePath string, spec ai.Spec, params parameters.Params) (ai.ValueLearner, error) {
		s := linear.New(spec.NumStates, spec.NumActions)
		s.FileName = filePath
		var err error
		s.LearningRate, err = parameters.PopParamOr(params, "learning_rate", s.LearningRate)
		return s, err
	}))
	RegisterModule("other", ModuleFunc(func(string, ai.Spec, parameters.Params) (ai.ValueLearner, error) {
		return linear.New(1, 1), nil
	}))
}

func TestNew(t *testing.T) {
	registerTestModules()
	spec := ai.Spec{NumStates: 16, NumActions: 4, NumFrameStack: 1}
	assert.Equal(t, []string{"other", "table"}, Registered())

	learner, err := New("table=/tmp/q.txt,learning_rate=0.1", spec)
	require.NoError(t, err)
	s := learner.(*linear.Scorer)
	assert.Equal(t, "/tmp/q.txt", s.FileName)
	assert.Equal(t, float32(0.1), s.LearningRate)
	assert.Equal(t, 4, s.NumActions())

	_, err = New("learning_rate=0.1", spec)
	require.ErrorContains(t, err, "no approximator defined")
	_, err = New("table,other", spec)
	require.ErrorContains(t, err, "multiple approximators")
	_, err = New("table,unused=1", spec)
	require.ErrorContains(t, err, "unused")
	_, err = New("table,learning_rate=x", spec)
	require.Error(t, err)
}
