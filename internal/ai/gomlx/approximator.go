package gomlx

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/generics"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Approximator implements a generic GoMLX value approximator, Q(x, a).
//
// It implements ai.ValueScorer and ai.ValueLearner.
//
// It is just a wrapper around one of the models implemented.
type Approximator struct {
	Type ModelType

	// filePath passed to the model, where it is saved.
	filePath string

	spec  ai.Spec
	model Model

	// Executors.
	scoreExec, lossExec, trainStepExec *context.Exec

	// Number of input tensors for the executors: defined at the first call to Model.CreateInputs, and must
	// remain constant. Before they are defined, it is -1.
	numInputTensors int

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of copies of older checkpoints to keep around.
	// Default to 10.
	checkpointsToKeep int

	// Hyperparameters cached values: they should also be set in the model context.
	batchSize int

	// muLearning "write" for learning (and for being copied into), and "read" for scoring.
	muLearning sync.RWMutex

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// muSave makes saving sequential.
	muSave sync.Mutex
}

var (
	// Assert Approximator is an ai.ValueScorer and an ai.ValueLearner.
	_ ai.ValueScorer  = (*Approximator)(nil)
	_ ai.ValueLearner = (*Approximator)(nil)
)

// newApproximator returns a gomlx.Approximator for the given Model.
func newApproximator(modelType ModelType, filePath string, model Model, spec ai.Spec, params parameters.Params) (*Approximator, error) {
	s := &Approximator{
		Type:            modelType,
		filePath:        filePath,
		spec:            spec,
		model:           model,
		numInputTensors: -1,
	}

	// Help if requested.
	if slices.Index([]string{"help", "--help", "-help", "-h"}, filePath) != -1 {
		s.writeHyperparametersHelp()
		return nil, fmt.Errorf("model type %s help requested", modelType)
	}

	// Number of checkpoints to keep.
	var err error
	s.checkpointsToKeep, err = parameters.PopParamOr(params, "keep", 10)
	if err != nil {
		return nil, err
	}

	// Create checkpoint, and load it if it exists.
	if err = s.connectCheckpointHandler(); err != nil {
		return nil, err
	}

	// Create the backend.
	_ = backend()

	// Overwrite hyperparameters from given params.
	err = extractParams(s.Type.String(), params, s.model.Context())
	if err != nil {
		return nil, err
	}
	ctx := s.model.Context()
	s.batchSize = context.GetParamOr(ctx, "batch_size", 128)

	// Create optimizer to be used in training.
	s.optimizer = optimizers.FromContext(ctx)
	err = exceptions.TryCatch[error](s.createExecutors)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executors for model %s", modelType)
	}
	return s, nil
}

func (s *Approximator) connectCheckpointHandler() error {
	if s.filePath == "" {
		return nil
	}
	checkpoint, err := checkpoints.
		Build(s.model.Context()).
		Dir(s.filePath).
		Immediate().
		Keep(s.checkpointsToKeep).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to build checkpoint for model %s in path %s", s.Type, s.filePath)
	}
	s.checkpoint = checkpoint
	return nil
}

func (s *Approximator) createExecutors() {
	muNewClient.Lock()
	defer muNewClient.Unlock()
	ctx := s.model.Context().Checked(false)
	s.scoreExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			// Remove last axis with dimension 1.
			return graph.Squeeze(s.model.ForwardGraph(ctx, inputs), -1)
		})
	s.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			loss := s.model.LossGraph(ctx, inputs, labels)
			if !loss.IsScalar() {
				// Some losses may return one value per example of the batch.
				loss = graph.ReduceAllMean(loss)
			}
			return loss
		})
	s.trainStepExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			g := labels.Graph()
			ctx.SetTraining(g, true)
			loss := s.model.LossGraph(ctx, inputs, labels)
			if !loss.IsScalar() {
				loss = graph.ReduceAllMean(loss)
			}
			s.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})

	// Force creating/loading of variables without race conditions first.
	state := make([]float32, s.spec.NumFrameStack*s.spec.FrameSize())
	_ = s.Score([][]float32{state}, []int{0})
}

// String implements fmt.Stringer and ai.ValueScorer.
func (s *Approximator) String() string {
	if s == nil {
		return "<nil>[GoMLX]"
	}
	if s.checkpoint == nil || s.checkpoint.Dir() == "" {
		return fmt.Sprintf("%s[GoMLX]", s.Type)
	}
	return fmt.Sprintf("%s[GoMLX]@%s", s.Type, s.checkpoint.Dir())
}

// NumActions implements ai.ValueScorer.
func (s *Approximator) NumActions() int {
	return s.spec.NumActions
}

// createInputs is a wrapper over s.model.CreateInputs that asserts the number of inputs hasn't changed.
func (s *Approximator) createInputs(states [][]float32, actions []int) []*tensors.Tensor {
	if len(states) != len(actions) {
		exceptions.Panicf("model %s: %d states but %d actions", s, len(states), len(actions))
	}
	inputs := s.model.CreateInputs(states, actions)
	if s.numInputTensors == -1 {
		s.numInputTensors = len(inputs)
	} else if len(inputs) != s.numInputTensors {
		exceptions.Panicf("model %s: expected %d inputs, got %d", s, s.numInputTensors, len(inputs))
	}
	return inputs
}

// Score implements ai.ValueScorer.
func (s *Approximator) Score(states [][]float32, actions []int) []float32 {
	if len(states) == 0 {
		return nil
	}
	inputs := s.createInputs(states, actions)
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
	scoresT := s.scoreExec.Call(donatedInputs...)[0]
	scores := tensors.CopyFlatData[float32](scoresT)
	// Remove any padding:
	return scores[:len(states)]
}

// AllActions implements ai.ValueScorer, scoring every action of every state in one batch.
func (s *Approximator) AllActions(states [][]float32) [][]float32 {
	numActions := s.spec.NumActions
	pairStates := make([][]float32, 0, len(states)*numActions)
	pairActions := make([]int, 0, len(states)*numActions)
	for _, state := range states {
		for action := range numActions {
			pairStates = append(pairStates, state)
			pairActions = append(pairActions, action)
		}
	}
	flat := s.Score(pairStates, pairActions)
	values := make([][]float32, len(states))
	for ii := range values {
		values[ii] = flat[ii*numActions : (ii+1)*numActions]
	}
	return values
}

// Learn implements ai.ValueLearner, and trains model with the batch and its labels.
// It returns the loss.
func (s *Approximator) Learn(states [][]float32, actions []int, labels []float32) (loss float32) {
	inputsAndLabels := s.createInputsAndLabels(states, actions, labels)
	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	lossT := s.trainStepExec.Call(inputsAndLabels...)[0]
	return tensors.ToScalar[float32](lossT)
}

// Loss returns a measure of loss for the model -- whatever it is.
func (s *Approximator) Loss(states [][]float32, actions []int, labels []float32) (loss float32) {
	inputsAndLabels := s.createInputsAndLabels(states, actions, labels)
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	lossT := s.lossExec.Call(inputsAndLabels...)[0]
	return tensors.ToScalar[float32](lossT)
}

func (s *Approximator) createInputsAndLabels(states [][]float32, actions []int, labels []float32) []any {
	inputs := s.createInputs(states, actions)
	inputs = append(inputs, s.model.CreateLabels(labels))
	donatedInputs := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
	return donatedInputs
}

// Clone implements ai.ValueLearner. The clone has the same hyperparameters and a copy of the trainable
// variables, but it has its own optimizer state and it is not associated with a checkpoint.
func (s *Approximator) Clone() (ai.ValueLearner, error) {
	newS, err := newApproximator(s.Type, "", s.model.Clone(), s.spec, parameters.Params{})
	if err != nil {
		return nil, err
	}
	if err = s.CopyTo(newS); err != nil {
		return nil, err
	}
	return newS, nil
}

// CopyTo implements ai.ValueLearner: it copies the trainable variables into dst, which must be an Approximator
// of the same model type and shape.
//
// dst is locked for writing during the copy, so no scoring on it sees a partial copy.
func (s *Approximator) CopyTo(dst ai.ValueLearner) error {
	d, ok := dst.(*Approximator)
	if !ok {
		return errors.Errorf("cannot copy %s parameters to %s", s, dst)
	}
	if d == s {
		return nil
	}
	if d.Type != s.Type {
		return errors.Errorf("cannot copy %s parameters to %s: different model types", s, d)
	}
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	d.muLearning.Lock()
	defer d.muLearning.Unlock()

	dstCtx := d.model.Context()
	var err error
	s.model.Context().EnumerateVariables(func(v *context.Variable) {
		if err != nil || !v.Trainable {
			return
		}
		dstVar := dstCtx.InspectVariable(v.Scope(), v.Name())
		if dstVar == nil {
			err = errors.Errorf("variable %s/%s of %s missing in %s", v.Scope(), v.Name(), s, d)
			return
		}
		if !dstVar.Shape().Equal(v.Shape()) {
			err = errors.Errorf("variable %s/%s has shape %s in %s, but %s in %s",
				v.Scope(), v.Name(), v.Shape(), s, dstVar.Shape(), d)
			return
		}
		dstVar.SetValue(tensors.FromAnyValue(v.Value().Value()))
	})
	return err
}

// Save should save the model.
func (s *Approximator) Save() error {
	s.muSave.Lock()
	defer s.muSave.Unlock()
	if s.checkpoint == nil {
		klog.Warningf("This %s model is not associated to a checkpoint directory, not saving", s.Type)
		return nil
	}
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	return s.checkpoint.Save()
}

// BatchSize returns the recommended batch size and implements ai.ValueLearner.
func (s *Approximator) BatchSize() int {
	return s.batchSize
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (s *Approximator) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Model %s parameters:\n", s.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=<path_to_model> to use the model saved at the given directory, or\n", s.Type)
	_, _ = fmt.Fprintf(buf, "\t%s to use a model that is not saved, or\n", s.Type)
	_, _ = fmt.Fprintf(buf, "\t%s=-help to show this help message\n", s.Type)
	s.model.Context().EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}

// Finalize associated model, and leaves the approximator in an invalid state, but immediately frees resources.
func (s *Approximator) Finalize() {
	s.scoreExec.Finalize()
	s.lossExec.Finalize()
	s.trainStepExec.Finalize()
	s.model.Context().Finalize()
}
