package gomlx

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

// Model is a GoMLX supported model, the backend of the gomlx.Approximator.
//
// Models estimate Q(x, a) for a batch of (state, action) pairs.
type Model interface {
	// Context used by the model: with both it weights and hyperparameters.
	Context() *context.Context

	// CreateInputs for a batch of state-action pairs as tensors.
	// It should also do the padding.
	CreateInputs(states [][]float32, actions []int) []*tensors.Tensor

	// CreateLabels tensor for the regression targets.
	// It should also do the padding to match the inputs.
	CreateLabels(labels []float32) *tensors.Tensor

	// ForwardGraph is the GoMLX model graph function with the forward path.
	// It must return the values for each example, shaped [batch_size, 1].
	ForwardGraph(ctx *context.Context, inputs []*graph.Node) *graph.Node

	// LossGraph should calculate the loss given the inputs and the labels (shaped [batch_size, 1]).
	// It must return a scalar with the loss value.
	LossGraph(ctx *context.Context, inputs []*graph.Node, labels *graph.Node) *graph.Node

	// Clone returns a model of the same architecture, with a fresh context holding the same
	// hyperparameters, but no variables.
	Clone() Model
}

// paddedBatchSize returns a padded batchSize for the given numExamples.
// This is important so we don't have too many different versions of the program for every different batch size.
func paddedBatchSize(ctx *context.Context, numExamples int) int {
	// Make sure the default batchSize is supported without padding.
	defaultBatchSize := context.GetParamOr(ctx, "batch_size", 128)
	if numExamples == defaultBatchSize {
		return numExamples
	}

	paddedSize := 1
	for paddedSize < numExamples {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// cloneParams copies the hyperparameters (root scope) of ctx into a fresh context.
func cloneParams(ctx *context.Context) *context.Context {
	newCtx := context.New()
	newCtx.RngStateReset()
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		newCtx.SetParam(key, value)
	})
	return newCtx.Checked(false)
}
