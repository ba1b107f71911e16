// Package linear implements a pure Go linear approximator over state-action indicator features -- for discrete
// domains it is a Q table plus a shared bias. It defines its own gradient, and trains with plain SGD.
package linear

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/chewxy/math32"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scorer is a linear model with one weight per (state, action) pair, plus a bias.
// It implements ai.ValueScorer and ai.ValueLearner.
type Scorer struct {
	numStates, numActions int

	// weights has numStates*numActions entries plus the bias, the last one.
	weights []float32

	// LearningRate to use when training the linear model and L2Reg to use.
	LearningRate, L2Reg float32

	// GradientL2Clip clips the gradient to this l2 length before applying. Disabled if 0.
	GradientL2Clip float32

	// NumSteps to do gradient descent when Learn is called.
	NumSteps int

	// batchSize hint, returned by BatchSize.
	batchSize int

	// muLearning "write" for learning, and "read" for scoring.
	muLearning sync.RWMutex

	// FileName where to save/load the model from.
	FileName string
	muSave   sync.Mutex
}

var (
	// Assert Scorer is an ai.ValueScorer and an ai.ValueLearner.
	_ ai.ValueScorer  = (*Scorer)(nil)
	_ ai.ValueLearner = (*Scorer)(nil)
)

// New creates a zero-initialized Scorer for the given domain size.
func New(numStates, numActions int) *Scorer {
	return NewWithWeights(numStates, numActions, make([]float32, numStates*numActions+1)...)
}

// NewWithWeights creates a new Scorer with the given weights: numStates*numActions values plus the bias.
// Ownership of the weights is transferred.
func NewWithWeights(numStates, numActions int, weights ...float32) *Scorer {
	if len(weights) != numStates*numActions+1 {
		klog.Fatalf("linear model for %d states and %d actions requires %d weights, got %d",
			numStates, numActions, numStates*numActions+1, len(weights))
	}
	return &Scorer{
		numStates:      numStates,
		numActions:     numActions,
		weights:        weights,
		LearningRate:   0.5,
		L2Reg:          0,
		GradientL2Clip: 0,
		NumSteps:       1,
		batchSize:      128,
	}
}

// String implements ai.ValueScorer.
func (s *Scorer) String() string {
	if s.FileName == "" {
		return fmt.Sprintf("linear[%dx%d]", s.numStates, s.numActions)
	}
	return fmt.Sprintf("linear[%dx%d]@%s", s.numStates, s.numActions, s.FileName)
}

// NumActions implements ai.ValueScorer.
func (s *Scorer) NumActions() int { return s.numActions }

// NumStates of the domain.
func (s *Scorer) NumStates() int { return s.numStates }

// featureIdx is the index of the only active indicator feature of (state, action).
func (s *Scorer) featureIdx(state []float32, action int) int {
	stateIdx := ai.StateIndex(state, s.numStates)
	if stateIdx < 0 || stateIdx >= s.numStates || action < 0 || action >= s.numActions {
		klog.Fatalf("%s: state %d or action %d out of range", s, stateIdx, action)
	}
	return stateIdx*s.numActions + action
}

// lockedScore assumes muLearning is locked (for read or write).
func (s *Scorer) lockedScore(featureIdx int) float32 {
	return s.weights[featureIdx] + s.weights[len(s.weights)-1]
}

// Score implements ai.ValueScorer.
func (s *Scorer) Score(states [][]float32, actions []int) []float32 {
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	scores := make([]float32, len(states))
	for ii, state := range states {
		scores[ii] = s.lockedScore(s.featureIdx(state, actions[ii]))
	}
	return scores
}

// AllActions implements ai.ValueScorer.
func (s *Scorer) AllActions(states [][]float32) [][]float32 {
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	values := make([][]float32, len(states))
	for ii, state := range states {
		base := s.featureIdx(state, 0)
		values[ii] = make([]float32, s.numActions)
		for action := range s.numActions {
			values[ii][action] = s.lockedScore(base + action)
		}
	}
	return values
}

// l2RegularizationLoss is the regularization term for the loss.
func (s *Scorer) l2RegularizationLoss() float32 {
	if s.L2Reg == 0 {
		return 0
	}
	sum := float32(0)
	for _, param := range s.weights {
		sum += param * param
	}
	return sum * s.L2Reg
}

// Learn implements ai.ValueLearner: it runs NumSteps of gradient descent on the batch, and returns the loss.
func (s *Scorer) Learn(states [][]float32, actions []int, labels []float32) (loss float32) {
	s.muLearning.Lock()
	defer s.muLearning.Unlock()
	features := s.features(states, actions)
	grad := make([]float32, len(s.weights))
	for range s.NumSteps {
		s.calculateGradient(features, labels, grad)

		// Clip gradient.
		if s.GradientL2Clip > 0 {
			clipL2(grad, s.GradientL2Clip)
		}

		// Apply gradient with the learning rate.
		for ii := range grad {
			s.weights[ii] -= s.LearningRate * grad[ii]
		}
	}
	return s.lossFromFeatures(features, labels)
}

func (s *Scorer) features(states [][]float32, actions []int) []int {
	features := make([]int, len(states))
	for ii, state := range states {
		features[ii] = s.featureIdx(state, actions[ii])
	}
	return features
}

// calculateGradient of the MSE (MeanSquaredError) loss:
//
//	  f: index of the active (state, action) feature
//	  w_f, b: weight of the feature, and bias
//	  score: w_f + b
//	Loss = (score - label)^2/N
//	  dLoss/dw_f = 2*(score-label)/N
//	  dLoss/db = 2*(score-label)/N
func (s *Scorer) calculateGradient(features []int, labels []float32, gradient []float32) {
	for i := range gradient {
		gradient[i] = 0
	}
	N := float32(len(features))
	for exampleIdx, f := range features {
		c := 2 * (s.lockedScore(f) - labels[exampleIdx])
		gradient[f] += c
		gradient[len(gradient)-1] += c
	}

	// Take the mean:
	for ii := range gradient {
		gradient[ii] /= N
	}
	if s.L2Reg > 0 {
		for ii := range s.weights {
			gradient[ii] += 2 * s.weights[ii] * s.L2Reg
		}
	}
}

// Loss implements ai.ValueLearner.
func (s *Scorer) Loss(states [][]float32, actions []int, labels []float32) (loss float32) {
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	return s.lossFromFeatures(s.features(states, actions), labels)
}

// lossFromFeatures assumes muLearning is locked.
func (s *Scorer) lossFromFeatures(features []int, labels []float32) (loss float32) {
	for exampleIdx, f := range features {
		diff := labels[exampleIdx] - s.lockedScore(f)
		loss += diff * diff
	}
	loss /= float32(len(labels))
	loss += s.l2RegularizationLoss()
	return
}

func l2Len(vec []float32) float32 {
	total := float32(0.0)
	for _, value := range vec {
		total += value * value
	}
	return math32.Sqrt(total)
}

// clipL2 clips the L2 length of the vector.
func clipL2(vec []float32, maxLen float32) {
	l2 := l2Len(vec)
	if l2 > maxLen {
		ratio := maxLen / l2
		klog.V(2).Infof("clip: l2=%g, maxLen=%g, ratio=%g", l2, maxLen, ratio)
		for ii := range vec {
			vec[ii] *= ratio
		}
	}
}

// BatchSize implements ai.ValueLearner.
func (s *Scorer) BatchSize() int { return s.batchSize }

// SetBatchSize changes the batch size hint.
func (s *Scorer) SetBatchSize(batchSize int) { s.batchSize = batchSize }

// Clone implements ai.ValueLearner. The clone is not associated with FileName.
func (s *Scorer) Clone() (ai.ValueLearner, error) {
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	clone := NewWithWeights(s.numStates, s.numActions, slices.Clone(s.weights)...)
	clone.LearningRate = s.LearningRate
	clone.L2Reg = s.L2Reg
	clone.GradientL2Clip = s.GradientL2Clip
	clone.NumSteps = s.NumSteps
	clone.batchSize = s.batchSize
	return clone, nil
}

// CopyTo implements ai.ValueLearner. dst must be a linear Scorer of the same shape.
func (s *Scorer) CopyTo(dst ai.ValueLearner) error {
	d, ok := dst.(*Scorer)
	if !ok {
		return errors.Errorf("cannot copy %s parameters to %s", s, dst)
	}
	if d == s {
		return nil
	}
	if len(d.weights) != len(s.weights) {
		return errors.Errorf("cannot copy %s parameters to %s: different shapes", s, d)
	}
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	d.muLearning.Lock()
	defer d.muLearning.Unlock()
	copy(d.weights, s.weights)
	return nil
}

// Weights returns a copy of the weights, the last one being the bias.
func (s *Scorer) Weights() []float32 {
	s.muLearning.RLock()
	defer s.muLearning.RUnlock()
	return slices.Clone(s.weights)
}

// Save model to s.FileName.
func (s *Scorer) Save() error {
	s.muSave.Lock()
	defer s.muSave.Unlock()

	if s.FileName == "" {
		klog.Warningf("Linear model not saved, because no file name was specified")
		return nil
	}

	// Rename existing file, if it exists.
	file := s.FileName
	if _, err := os.Stat(file); err == nil {
		err = os.Rename(file, file+"~")
		if err != nil {
			return errors.Wrapf(err, "failed to rename %s to %s", s.FileName, s.FileName+"~")
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %s", s.FileName)
	}

	weights := s.Weights()
	lines := make([]string, 0, len(weights)+1)
	lines = append(lines, fmt.Sprintf("# %d %d", s.numStates, s.numActions))
	for _, value := range weights {
		lines = append(lines, fmt.Sprintf("%g", value))
	}
	err := os.WriteFile(s.FileName, []byte(strings.Join(lines, "\n")), 0666)
	if err != nil {
		return errors.Wrapf(err, "failed to save %s", s.FileName)
	}
	return nil
}

// LoadOrCreate model from fileName, or create a new zero-initialized one if the file doesn't exist.
// The model is associated with fileName, so Save writes back to it.
func LoadOrCreate(fileName string, numStates, numActions int) (*Scorer, error) {
	if fileName == "" {
		return New(numStates, numActions), nil
	}
	_, err := os.Stat(fileName)
	if os.IsNotExist(err) {
		s := New(numStates, numActions)
		s.FileName = fileName
		klog.V(1).Infof("New model created for %s", s)
		return s, nil
	}

	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "LoadOrCreate failed to read file %s", fileName)
	}
	valuesStr := strings.Split(string(data), "\n")
	weights := make([]float32, 0, len(valuesStr))
	for lineNum, valueStr := range valuesStr {
		valueStr = strings.TrimSpace(valueStr)
		if valueStr == "" || strings.HasPrefix(valueStr, "#") || strings.HasPrefix(valueStr, "//") {
			// Skip empty lines and comments.
			continue
		}
		f64, err := strconv.ParseFloat(valueStr, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "LoadOrCreate failed to parse value in file %s, at line number #%d",
				fileName, lineNum+1)
		}
		weights = append(weights, float32(f64))
	}
	if len(weights) != numStates*numActions+1 {
		return nil, errors.Errorf("model in %s has %d weights, but %d states and %d actions require %d",
			fileName, len(weights), numStates, numActions, numStates*numActions+1)
	}
	s := NewWithWeights(numStates, numActions, weights...)
	s.FileName = fileName
	return s, nil
}
