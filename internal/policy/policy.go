// Package policy implements the policies evaluated and used to collect data: fixed tables, greedy policies
// over a value approximator and epsilon-greedy exploration around any of them.
package policy

import (
	"fmt"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Policy maps states (materialized state windows) to actions.
type Policy interface {
	fmt.Stringer

	// NumActions in the action space.
	NumActions() int

	// Probabilities of taking each action in state.
	Probabilities(state []float32) []float64

	// Act returns the action to take in state.
	Act(state []float32) int
}

// Fixed is a deterministic policy given by a table of one action per discrete state.
type Fixed struct {
	Actions    []int
	numActions int
}

var _ Policy = (*Fixed)(nil)

// NewFixed creates a Fixed policy: actions[s] is the action taken in state s.
func NewFixed(actions []int, numActions int) (*Fixed, error) {
	for s, action := range actions {
		if action < 0 || action >= numActions {
			return nil, errors.Errorf("fixed policy action %d for state %d out of range [0, %d)", action, s, numActions)
		}
	}
	return &Fixed{Actions: actions, numActions: numActions}, nil
}

// NewFixedFromMap creates a Fixed policy from the actions of some states, and fills the others with actions
// drawn uniformly from src.
func NewFixedFromMap(known map[int]int, numStates, numActions int, src rand.Source) (*Fixed, error) {
	rng := rand.New(src)
	actions := make([]int, numStates)
	for s := range actions {
		if action, found := known[s]; found {
			actions[s] = action
		} else {
			actions[s] = rng.Intn(numActions)
		}
	}
	for s := range known {
		if s < 0 || s >= numStates {
			return nil, errors.Errorf("fixed policy defined for state %d, but there are only %d states", s, numStates)
		}
	}
	return NewFixed(actions, numActions)
}

// String implements fmt.Stringer.
func (p *Fixed) String() string { return fmt.Sprintf("fixed%v", p.Actions) }

// NumActions implements Policy.
func (p *Fixed) NumActions() int { return p.numActions }

// Act implements Policy.
func (p *Fixed) Act(state []float32) int {
	return p.Actions[ai.StateIndex(state, len(p.Actions))]
}

// Probabilities implements Policy.
func (p *Fixed) Probabilities(state []float32) []float64 {
	probs := make([]float64, p.numActions)
	probs[p.Act(state)] = 1
	return probs
}

// Greedy takes the action of minimum value according to Scorer.
type Greedy struct {
	Scorer ai.ValueScorer
}

var _ Policy = Greedy{}

// String implements fmt.Stringer.
func (p Greedy) String() string { return fmt.Sprintf("greedy(%s)", p.Scorer) }

// NumActions implements Policy.
func (p Greedy) NumActions() int { return p.Scorer.NumActions() }

// Act implements Policy.
func (p Greedy) Act(state []float32) int {
	return ai.GreedyAction(p.Scorer, state)
}

// Probabilities implements Policy.
func (p Greedy) Probabilities(state []float32) []float64 {
	probs := make([]float64, p.NumActions())
	probs[p.Act(state)] = 1
	return probs
}

// EpsilonGreedy follows Base with probability 1-Epsilon, and takes a uniformly random action otherwise.
// It is not safe for concurrent use.
type EpsilonGreedy struct {
	Base    Policy
	Epsilon float64
	src     rand.Source
}

var _ Policy = (*EpsilonGreedy)(nil)

// NewEpsilonGreedy wraps base with epsilon exploration, using src for randomness.
func NewEpsilonGreedy(base Policy, epsilon float64, src rand.Source) *EpsilonGreedy {
	return &EpsilonGreedy{Base: base, Epsilon: epsilon, src: src}
}

// String implements fmt.Stringer.
func (p *EpsilonGreedy) String() string {
	return fmt.Sprintf("epsilon-greedy(%s, epsilon=%g)", p.Base, p.Epsilon)
}

// NumActions implements Policy.
func (p *EpsilonGreedy) NumActions() int { return p.Base.NumActions() }

// Probabilities implements Policy.
func (p *EpsilonGreedy) Probabilities(state []float32) []float64 {
	probs := p.Base.Probabilities(state)
	uniform := p.Epsilon / float64(len(probs))
	for action := range probs {
		probs[action] = (1-p.Epsilon)*probs[action] + uniform
	}
	return probs
}

// Act implements Policy.
func (p *EpsilonGreedy) Act(state []float32) int {
	action, ok := sampleuv.NewWeighted(p.Probabilities(state), p.src).Take()
	if !ok {
		return p.Base.Act(state)
	}
	return action
}
