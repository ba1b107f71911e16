// Package _default registers the default approximators that can be included in any
// trainer binary.
//
// Currently, it includes the linear (tabular) model and the GoMLX FNN and CNN models.
package _default

import (
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/gomlx"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai/linear"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/approximators"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/pkg/errors"
)

func init() {
	approximators.RegisterModule("linear", approximators.ModuleFunc(newLinear))
	for _, modelType := range gomlx.ModelTypeValues() {
		if modelType == gomlx.ModelNone {
			continue
		}
		approximators.RegisterModule(modelType.String(), approximators.ModuleFunc(
			func(filePath string, spec ai.Spec, params parameters.Params) (ai.ValueLearner, error) {
				approximator, err := gomlx.New(modelType, filePath, spec, params)
				if err != nil {
					return nil, err
				}
				return approximator, nil
			}))
	}
}

// newLinear creates the linear model, loading it from filePath if it exists.
// It takes the parameters learning_rate, l2_reg, clip, num_steps and batch_size.
func newLinear(filePath string, spec ai.Spec, params parameters.Params) (ai.ValueLearner, error) {
	if spec.NumStates <= 0 || spec.NumActions <= 0 {
		return nil, errors.Errorf("linear model requires a discrete domain, got %d states and %d actions",
			spec.NumStates, spec.NumActions)
	}
	s, err := linear.LoadOrCreate(filePath, spec.NumStates, spec.NumActions)
	if err != nil {
		return nil, err
	}
	if spec.NumFrameStack > 1 {
		return nil, errors.Errorf("linear model only uses the last frame, and cannot take %d stacked frames",
			spec.NumFrameStack)
	}
	if s.LearningRate, err = parameters.PopParamOr(params, "learning_rate", s.LearningRate); err != nil {
		return nil, err
	}
	if s.L2Reg, err = parameters.PopParamOr(params, "l2_reg", s.L2Reg); err != nil {
		return nil, err
	}
	if s.GradientL2Clip, err = parameters.PopParamOr(params, "clip", s.GradientL2Clip); err != nil {
		return nil, err
	}
	if s.NumSteps, err = parameters.PopParamOr(params, "num_steps", s.NumSteps); err != nil {
		return nil, err
	}
	batchSize, err := parameters.PopParamOr(params, "batch_size", s.BatchSize())
	if err != nil {
		return nil, err
	}
	s.SetBatchSize(batchSize)
	return s, nil
}
