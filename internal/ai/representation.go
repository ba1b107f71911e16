package ai

import (
	"github.com/gomlx/exceptions"
)

// Spec holds what all approximator variants need to know about the domain to be constructed.
type Spec struct {
	// NumStates of a discrete domain (the size of a one-hot frame), 0 for visual domains.
	NumStates int

	// NumActions in the discrete action space.
	NumActions int

	// GridHeight and GridWidth of the frames, for convolutional approximators.
	GridHeight, GridWidth int

	// NumFrameStack is the number of frames in a state window.
	NumFrameStack int

	// Holes and Goals are cell indices of a grid domain. Convolutional models use them as extra input channels.
	Holes, Goals []int
}

// FrameSize is the number of values of one frame.
func (s Spec) FrameSize() int {
	if s.NumStates > 0 {
		return s.NumStates
	}
	return s.GridHeight * s.GridWidth
}

// Representation returns the encoding of the state windows and actions of this domain.
func (s Spec) Representation() Representation {
	return Representation{StateWidth: s.NumFrameStack * s.FrameSize(), NumActions: s.NumActions}
}

// Representation builds the flat regression inputs of fully-connected approximators: the frames of the state
// window, followed by the one-hot encoded action.
type Representation struct {
	StateWidth, NumActions int
}

// Width of the rows built for states alone, or for (state, action) pairs.
func (r Representation) Width(withActions bool) int {
	if withActions {
		return r.StateWidth + r.NumActions
	}
	return r.StateWidth
}

// Build returns one row per state, and if actions are given, the one-hot encoded action is appended to it.
//
// More than one group of actions is a programming error, and it panics.
func (r Representation) Build(states [][]float32, actions ...[]int) [][]float32 {
	width := r.Width(len(actions) > 0)
	flat := make([]float32, len(states)*width)
	r.Fill(flat, states, actions...)
	rows := make([][]float32, len(states))
	for ii := range rows {
		rows[ii] = flat[ii*width : (ii+1)*width : (ii+1)*width]
	}
	return rows
}

// Fill writes the rows of Build into flat, which must be zeroed and hold at least len(states) rows.
// Extra rows (padding) are left untouched.
func (r Representation) Fill(flat []float32, states [][]float32, actions ...[]int) {
	if len(actions) > 1 {
		exceptions.Panicf("representation takes (states) or (states, actions), got %d groups", 1+len(actions))
	}
	withActions := len(actions) == 1
	if withActions && len(actions[0]) != len(states) {
		exceptions.Panicf("representation with %d states but %d actions", len(states), len(actions[0]))
	}
	width := r.Width(withActions)
	if len(flat) < len(states)*width {
		exceptions.Panicf("representation of %d rows of width %d doesn't fit in %d values", len(states), width, len(flat))
	}
	for ii, state := range states {
		if len(state) != r.StateWidth {
			exceptions.Panicf("state %d has %d values, expected %d", ii, len(state), r.StateWidth)
		}
		row := flat[ii*width : (ii+1)*width]
		copy(row, state)
		if withActions {
			action := actions[0][ii]
			if action < 0 || action >= r.NumActions {
				exceptions.Panicf("action %d out of range [0, %d)", action, r.NumActions)
			}
			row[r.StateWidth+action] = 1
		}
	}
}
