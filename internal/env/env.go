// Package env defines the environments the trainers interact with.
package env

import (
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
)

// Environment is an episodic environment with discrete actions and vector costs.
type Environment interface {
	// Reset starts a new episode and returns its first frame.
	Reset() replay.Frame

	// Step takes an action, and returns the next frame, the cost vector -- the primary cost first, followed by
	// the constraint costs -- and whether the episode ended.
	// Stepping an episode that ended is an error.
	Step(action int) (frame replay.Frame, costs []float32, done bool, err error)

	// IsEarlyEpisodeTermination is consulted after every step, with the primary cost of the step.
	// It returns whether the episode must be ended early, and a punishment added to the cost when it is.
	IsEarlyEpisodeTermination(cost float32) (done bool, punishment float32)

	// MinCost is the lowest total cost of one episode, used to normalize performance.
	MinCost() float32

	// NumActions in the discrete action space.
	NumActions() int
}

// Transition is one possible outcome of taking an action in a state of a tabular model.
type Transition struct {
	Prob float64
	Next int
	Cost float64
	Done bool
}

// Tabular is an environment whose dynamics are known and small enough to enumerate.
type Tabular interface {
	// NumStates in the state space.
	NumStates() int

	// NumActions in the discrete action space.
	NumActions() int

	// InitialState of every episode.
	InitialState() int

	// Transitions returns the outcomes of every state and action, indexed [state][action].
	// Terminal states have no outcomes.
	Transitions() [][][]Transition
}
