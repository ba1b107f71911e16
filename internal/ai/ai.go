// Package ai defines the interfaces that value approximators have to implement, and the generic fitting
// routines used by the trainers.
//
// Values are costs-to-go: lower is better, and greedy policies pick the action with minimum value.
package ai

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/generics"
)

// ValueScorer estimates Q(x, a), the expected discounted cost-to-go of taking action a in state x.
//
// States are materialized state windows (see package replay): all frames of the window concatenated.
type ValueScorer interface {
	// String returns the approximator name.
	String() string

	// NumActions in the (discrete) action space.
	NumActions() int

	// Score returns Q(states[i], actions[i]) for each i.
	Score(states [][]float32, actions []int) []float32

	// AllActions returns Q(states[i], a) for every action a, shaped [len(states)][NumActions].
	AllActions(states [][]float32) [][]float32
}

// ValueLearner is the interface used to fit a ValueScorer to regression targets.
type ValueLearner interface {
	ValueScorer

	// Learn performs one training step on the given batch, and returns the training loss -- mean over batch.
	Learn(states [][]float32, actions []int, labels []float32) (loss float32)

	// Loss returns the loss of the model for the given batch, without training.
	Loss(states [][]float32, actions []int, labels []float32) (loss float32)

	// Save the model being learned -- or create a new checkpoint.
	Save() error

	// BatchSize returns the batch size used by the learner.
	// It is used only as an optimization hint for the trainers.
	BatchSize() int

	// Clone returns an independent learner with the same architecture and a copy of the parameters.
	// The clone is not associated to the checkpoint (if any) of the original.
	Clone() (ValueLearner, error)

	// CopyTo copies the parameters of this learner into dst, which must be of the same kind and shape.
	// The copy is atomic with respect to scoring calls on dst.
	CopyTo(dst ValueLearner) error
}

// MinOverActions returns, for each state, the minimum value over all actions and the action achieving it.
// Ties are broken by the lowest action index.
func MinOverActions(scorer ValueScorer, states [][]float32) (minValues []float32, argMins []int) {
	if len(states) == 0 {
		return nil, nil
	}
	allValues := scorer.AllActions(states)
	minValues = make([]float32, len(states))
	argMins = make([]int, len(states))
	for ii, values := range allValues {
		best := generics.ArgMin(values)
		if best < 0 {
			minValues[ii], argMins[ii] = math32.Inf(1), 0
			continue
		}
		minValues[ii], argMins[ii] = values[best], best
	}
	return
}

// GreedyAction returns the action with minimum value for one state.
func GreedyAction(scorer ValueScorer, state []float32) int {
	_, argMins := MinOverActions(scorer, [][]float32{state})
	return argMins[0]
}

// OneHotEncoding returns a slice of float32 with one element set to 1, and all others to 0.
func OneHotEncoding(total, selected int) (vec []float32) {
	vec = make([]float32, total)
	if total > 0 {
		vec[selected] = 1
	}
	return
}

// StateIndex decodes a discrete state: a one-hot frame returns the index of its set element, and a scalar
// frame is the index itself. For stacked states only the most recent frame is used.
//
// Frames are taken as one-hot only when the last numStates values hold a single 1 and zeros otherwise.
// Stacked scalar frames whose last numStates values happen to look one-hot (for numStates > 2) are
// ambiguous, and decode as one-hot: discrete domains with frame stacks should use one-hot frames.
func StateIndex(state []float32, numStates int) int {
	if len(state) == 0 {
		exceptions.Panicf("empty state")
	}
	if numStates <= 1 {
		return 0
	}
	if len(state)%numStates == 0 {
		if idx := oneHotIndex(state[len(state)-numStates:]); idx >= 0 {
			return idx
		}
	}
	// Scalar frames: the last value holds the index.
	return int(state[len(state)-1])
}

// oneHotIndex returns the index of the 1 of a one-hot frame, or -1 if frame is not one-hot.
func oneHotIndex(frame []float32) int {
	idx := -1
	for ii, v := range frame {
		switch v {
		case 0:
		case 1:
			if idx >= 0 {
				return -1
			}
			idx = ii
		default:
			return -1
		}
	}
	return idx
}
