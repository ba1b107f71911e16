package gomlx

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/pkg/errors"
)

// CNN is a convolutional model on grid frames: each stacked frame is one channel of the image, and in grid
// domains with holes and goals, two constant channels mark them.
//
// The convolution is followed by a dense head that outputs one value per action, and the value of the
// state-action pair is selected with the one-hot action.
type CNN struct {
	ctx  *context.Context
	spec ai.Spec
}

// NewCNN creates a CNN model with a fresh context, initialized with hyperparameters set to their defaults.
func NewCNN(spec ai.Spec) (*CNN, error) {
	if spec.GridHeight <= 0 || spec.GridWidth <= 0 {
		return nil, errors.Errorf("CNN model requires the grid shape, got %dx%d", spec.GridHeight, spec.GridWidth)
	}
	if spec.FrameSize() != spec.GridHeight*spec.GridWidth {
		return nil, errors.Errorf("CNN model requires frames with one value per cell of the %dx%d grid, got frames of size %d",
			spec.GridHeight, spec.GridWidth, spec.FrameSize())
	}
	cnn := &CNN{ctx: context.New(), spec: spec}
	cnn.ctx.RngStateReset()
	cnn.ctx.SetParams(map[string]any{
		"batch_size": 128,

		// Convolution parameters.
		"conv_filters":     16,
		"conv_kernel_size": 2,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,

		// Dense head parameters:
		fnnLayer.ParamNumHiddenLayers: 1,
		fnnLayer.ParamNumHiddenNodes:  10,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	cnn.ctx = cnn.ctx.Checked(false)
	return cnn, nil
}

// Context implements Model.
func (cnn *CNN) Context() *context.Context {
	return cnn.ctx
}

// Clone implements Model.
func (cnn *CNN) Clone() Model {
	return &CNN{ctx: cloneParams(cnn.ctx), spec: cnn.spec}
}

// numChannels is one per stacked frame, plus holes and goals masks if they are known.
func (cnn *CNN) numChannels() int {
	numChannels := cnn.spec.NumFrameStack
	if len(cnn.spec.Holes) > 0 || len(cnn.spec.Goals) > 0 {
		numChannels += 2
	}
	return numChannels
}

// CreateInputs implements Model: images shaped [batch, height, width, channels], one-hot actions
// shaped [batch, num_actions] and the number of examples used.
func (cnn *CNN) CreateInputs(states [][]float32, actions []int) []*tensors.Tensor {
	height, width := cnn.spec.GridHeight, cnn.spec.GridWidth
	numCells := height * width
	numChannels := cnn.numChannels()
	numActions := cnn.spec.NumActions
	paddedSize := paddedBatchSize(cnn.ctx, len(states))
	images := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, height, width, numChannels))
	tensors.MutableFlatData(images, func(flat []float32) {
		for idx, state := range states {
			image := flat[idx*numCells*numChannels : (idx+1)*numCells*numChannels]
			for frameIdx := range cnn.spec.NumFrameStack {
				frame := state[frameIdx*numCells : (frameIdx+1)*numCells]
				for cell, v := range frame {
					image[cell*numChannels+frameIdx] = v
				}
			}
			if numChannels > cnn.spec.NumFrameStack {
				for _, cell := range cnn.spec.Holes {
					image[cell*numChannels+numChannels-2] = 1
				}
				for _, cell := range cnn.spec.Goals {
					image[cell*numChannels+numChannels-1] = 1
				}
			}
		}
	})
	actionsT := tensors.FromShape(shapes.Make(dtypes.Float32, paddedSize, numActions))
	tensors.MutableFlatData(actionsT, func(flat []float32) {
		for idx, action := range actions {
			flat[idx*numActions+action] = 1
		}
	})
	return []*tensors.Tensor{images, actionsT, tensors.FromScalar(int32(len(states)))}
}

// CreateLabels implements Model.CreateLabels.
func (cnn *CNN) CreateLabels(labels []float32) *tensors.Tensor {
	return createPaddedLabels(cnn.ctx, labels)
}

// ForwardGraph implements Model.
func (cnn *CNN) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	images, actions := inputs[0], inputs[1]
	batchSize := images.Shape().Dim(0)
	filters := context.GetParamOr(ctx, "conv_filters", 16)
	kernelSize := context.GetParamOr(ctx, "conv_kernel_size", 2)

	x := layers.Convolution(ctx.In("conv"), images).Filters(filters).KernelSize(kernelSize).PadSame().Done()
	x = activations.ApplyFromContext(ctx, x)
	x = Reshape(x, batchSize, x.Shape().Size()/batchSize)
	perAction := fnnLayer.New(ctx.In("head"), x, cnn.spec.NumActions).Done()
	perAction.AssertDims(batchSize, cnn.spec.NumActions)
	values := ReduceSum(Mul(perAction, actions), -1)
	return ExpandAxes(values, -1)
}

// LossGraph implements Model: mean squared error on the examples that are not padding.
func (cnn *CNN) LossGraph(ctx *context.Context, inputs []*Node, labels *Node) *Node {
	predictions := cnn.ForwardGraph(ctx, inputs)
	batchMask := getBatchMask(inputs)
	return losses.MeanSquaredError([]*Node{labels, batchMask}, []*Node{predictions})
}
