package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
)

// FNN implements a feed-forward model on the flattened state concatenated with the one-hot encoded action.
// It's the simpler GoMLX model.
type FNN struct {
	ctx  *context.Context
	spec ai.Spec
	repr ai.Representation
}

// NewFNN creates an FNN model with a fresh context, initialized with hyperparameters set to their defaults.
func NewFNN(spec ai.Spec) *FNN {
	fnn := &FNN{ctx: context.New(), spec: spec, repr: spec.Representation()}
	fnn.ctx.RngStateReset()
	fnn.ctx.SetParams(map[string]any{
		"batch_size": 128,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		activations.ParamActivation:  "tanh",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         0.0,

		// FNN network parameters:
		fnnLayer.ParamNumHiddenLayers: 1,
		fnnLayer.ParamNumHiddenNodes:  64,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	fnn.ctx = fnn.ctx.Checked(false)
	return fnn
}

// Context implements Model.
func (fnn *FNN) Context() *context.Context {
	return fnn.ctx
}

// Clone implements Model.
func (fnn *FNN) Clone() Model {
	return &FNN{ctx: cloneParams(fnn.ctx), spec: fnn.spec, repr: fnn.repr}
}

// CreateInputs implements Model.CreateInputs.
func (fnn *FNN) CreateInputs(states [][]float32, actions []int) []*tensors.Tensor {
	width := fnn.repr.Width(true)
	paddedSize := paddedBatchSize(fnn.ctx, len(states))
	inputs := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, width))
	tensors.MutableFlatData(inputs, func(flat []float32) {
		fnn.repr.Fill(flat, states, actions)
	})
	return []*tensors.Tensor{inputs, tensors.FromScalar(int32(len(states)))}
}

// CreateLabels implements Model.CreateLabels.
func (fnn *FNN) CreateLabels(labels []float32) *tensors.Tensor {
	return createPaddedLabels(fnn.ctx, labels)
}

func createPaddedLabels(ctx *context.Context, labels []float32) *tensors.Tensor {
	paddedSize := paddedBatchSize(ctx, len(labels))
	labelsT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, 1))
	tensors.MutableFlatData(labelsT, func(flat []float32) {
		copy(flat, labels)
	})
	return labelsT
}

// getBatchMask based on padding on the inputs: the first input holds the padded batch, and the last
// one the number of examples used.
func getBatchMask(inputs []*Node) *Node {
	x := inputs[0]
	usedBatchSize := inputs[len(inputs)-1]
	g := x.Graph()
	batchSize := x.Shape().Dim(0)
	return LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize, 1), 0), usedBatchSize)
}

// ForwardGraph calculates the values of the state-action pairs.
func (fnn *FNN) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	x := inputs[0]
	batchSize := x.Shape().Dim(0)
	values := fnnLayer.New(ctx.In("fnn"), x, 1).Done()
	values.AssertDims(batchSize, 1) // 2-dim tensor, with batch size as the leading dimension.
	return values
}

// LossGraph calculates the loss: the mean squared error on the examples that are not padding.
func (fnn *FNN) LossGraph(ctx *context.Context, inputs []*Node, labels *Node) *Node {
	predictions := fnn.ForwardGraph(ctx, inputs)
	batchMask := getBatchMask(inputs)
	return losses.MeanSquaredError([]*Node{labels, batchMask}, []*Node{predictions})
}
