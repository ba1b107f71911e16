// Package lake implements the FrozenLake grid world: the agent walks from the start cell to the goal over a
// frozen lake, and falling in a hole ends the episode.
//
// Frames are the one-hot encoded position of the agent. The cost vector of each step is
// [c, g_hole, g_0]: c is -1 when reaching the goal (the negated reward), g_hole is 1 when the step falls in
// a hole, and g_0 is a constraint that is always 0.
package lake

import (
	"math/rand/v2"
	"strings"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
)

// Actions.
const (
	Left = iota
	Down
	Right
	Up
	NumActions
)

// ActionNames indexed by action.
var ActionNames = []string{"Left", "Down", "Right", "Up"}

// Cells of the map.
const (
	Start  = 'S'
	Frozen = 'F'
	Hole   = 'H'
	Goal   = 'G'
)

// Map4x4 is the standard 4x4 lake.
var Map4x4 = []string{
	"SFFF",
	"FHFH",
	"FFFH",
	"HFFG",
}

// Map8x8 is the standard 8x8 lake.
var Map8x8 = []string{
	"SFFFFFFF",
	"FFFFFFFF",
	"FFFHFFFF",
	"FFFFFHFF",
	"FFFHFFFF",
	"FHHFFFHF",
	"FHFFHFHF",
	"FFFHFFFG",
}

// MapByName returns the standard maps "4x4" and "8x8".
func MapByName(name string) ([]string, error) {
	switch name {
	case "4x4":
		return Map4x4, nil
	case "8x8":
		return Map8x8, nil
	}
	return nil, errors.Errorf("unknown lake map %q, valid values are \"4x4\" or \"8x8\"", name)
}

// NumCosts is the size of the cost vector returned by Step: the primary cost and 2 constraints.
const NumCosts = 3

// Config of a Lake.
type Config struct {
	// Map of the lake, one string per row.
	Map []string

	// Slippery lakes move the agent in the intended direction with probability 1/3, and in each of the
	// perpendicular directions with probability 1/3.
	Slippery bool

	// MaxSteps after which episodes are terminated early. 0 disables it.
	MaxSteps int

	// Punishment added to the cost of the step that triggers the early termination.
	Punishment float32
}

// DefaultConfig is the 4x4 non-slippery lake, with episodes of at most 100 steps.
func DefaultConfig() Config {
	return Config{Map: Map4x4, MaxSteps: 100}
}

// Lake implements env.Environment and env.Tabular.
type Lake struct {
	cfg           Config
	height, width int
	cells         []byte
	start         int
	holes, goals  []int
	transitions   [][][]env.Transition
	rng           *rand.Rand

	// Episode state.
	pos, steps int
	done       bool
}

var (
	_ env.Environment = (*Lake)(nil)
	_ env.Tabular     = (*Lake)(nil)
)

// New creates a lake from its configuration. rng is only used by slippery lakes, and if nil a randomly
// seeded one is created.
func New(cfg Config, rng *rand.Rand) (*Lake, error) {
	if len(cfg.Map) == 0 {
		return nil, errors.New("empty lake map")
	}
	l := &Lake{
		cfg:    cfg,
		height: len(cfg.Map),
		width:  len(cfg.Map[0]),
		start:  -1,
		rng:    rng,
		done:   true,
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	l.cells = make([]byte, 0, l.height*l.width)
	for row, line := range cfg.Map {
		if len(line) != l.width {
			return nil, errors.Errorf("lake map row %d has %d cells, expected %d", row, len(line), l.width)
		}
		for col := range len(line) {
			cell := line[col]
			s := row*l.width + col
			switch cell {
			case Start:
				if l.start >= 0 {
					return nil, errors.Errorf("lake map has more than one start cell")
				}
				l.start = s
			case Hole:
				l.holes = append(l.holes, s)
			case Goal:
				l.goals = append(l.goals, s)
			case Frozen:
			default:
				return nil, errors.Errorf("invalid cell %q in lake map row %d", cell, row)
			}
			l.cells = append(l.cells, cell)
		}
	}
	if l.start < 0 {
		return nil, errors.New("lake map has no start cell")
	}
	l.transitions = l.buildTransitions()
	return l, nil
}

// String returns the map of the lake.
func (l *Lake) String() string {
	return strings.Join(l.cfg.Map, "\n")
}

// Height of the grid.
func (l *Lake) Height() int { return l.height }

// Width of the grid.
func (l *Lake) Width() int { return l.width }

// Cell returns the type of cell of state s.
func (l *Lake) Cell(s int) byte { return l.cells[s] }

// Holes returns the states that are holes.
func (l *Lake) Holes() []int { return l.holes }

// Goals returns the states that are goals.
func (l *Lake) Goals() []int { return l.goals }

// NumStates implements env.Tabular.
func (l *Lake) NumStates() int { return l.height * l.width }

// NumActions implements env.Environment and env.Tabular.
func (l *Lake) NumActions() int { return NumActions }

// InitialState implements env.Tabular.
func (l *Lake) InitialState() int { return l.start }

// IsTerminal returns whether state s ends the episode.
func (l *Lake) IsTerminal(s int) bool {
	return l.cells[s] == Hole || l.cells[s] == Goal
}

// Spec returns the construction information for approximators of this lake.
func (l *Lake) Spec(numFrameStack int) ai.Spec {
	return ai.Spec{
		NumStates:     l.NumStates(),
		NumActions:    NumActions,
		GridHeight:    l.height,
		GridWidth:     l.width,
		NumFrameStack: numFrameStack,
		Holes:         l.holes,
		Goals:         l.goals,
	}
}

// Frame returns the one-hot encoding of state s.
func (l *Lake) Frame(s int) replay.Frame {
	return ai.OneHotEncoding(l.NumStates(), s)
}

// Position of the agent in the current episode.
func (l *Lake) Position() int { return l.pos }

// move returns the state reached from s moving in the direction of action, staying put at the borders.
func (l *Lake) move(s, action int) int {
	row, col := s/l.width, s%l.width
	switch action {
	case Left:
		col = max(col-1, 0)
	case Down:
		row = min(row+1, l.height-1)
	case Right:
		col = min(col+1, l.width-1)
	case Up:
		row = max(row-1, 0)
	}
	return row*l.width + col
}

func (l *Lake) buildTransitions() [][][]env.Transition {
	transitions := make([][][]env.Transition, l.NumStates())
	for s := range transitions {
		if l.IsTerminal(s) {
			continue
		}
		transitions[s] = make([][]env.Transition, NumActions)
		for action := range NumActions {
			directions := []int{action}
			if l.cfg.Slippery {
				directions = []int{(action + NumActions - 1) % NumActions, action, (action + 1) % NumActions}
			}
			var outcomes []env.Transition
			prob := 1.0 / float64(len(directions))
		nextDirection:
			for _, direction := range directions {
				next := l.move(s, direction)
				for ii := range outcomes {
					if outcomes[ii].Next == next {
						outcomes[ii].Prob += prob
						continue nextDirection
					}
				}
				var cost float64
				if l.cells[next] == Goal {
					cost = -1
				}
				outcomes = append(outcomes, env.Transition{Prob: prob, Next: next, Cost: cost, Done: l.IsTerminal(next)})
			}
			transitions[s][action] = outcomes
		}
	}
	return transitions
}

// Transitions implements env.Tabular.
func (l *Lake) Transitions() [][][]env.Transition {
	return l.transitions
}

// Reset implements env.Environment.
func (l *Lake) Reset() replay.Frame {
	l.pos, l.steps, l.done = l.start, 0, false
	return l.Frame(l.pos)
}

// Step implements env.Environment.
func (l *Lake) Step(action int) (frame replay.Frame, costs []float32, done bool, err error) {
	if l.done {
		return nil, nil, true, errors.New("lake episode is over, call Reset to start a new one")
	}
	if action < 0 || action >= NumActions {
		return nil, nil, false, errors.Errorf("invalid lake action %d", action)
	}
	outcomes := l.transitions[l.pos][action]
	outcome := outcomes[0]
	if len(outcomes) > 1 {
		r := l.rng.Float64()
		for _, outcome = range outcomes {
			r -= outcome.Prob
			if r < 0 {
				break
			}
		}
	}
	l.pos = outcome.Next
	l.steps++
	l.done = outcome.Done
	costs = make([]float32, NumCosts)
	costs[0] = float32(outcome.Cost)
	if outcome.Done && l.cells[outcome.Next] == Hole {
		costs[1] = 1
	}
	return l.Frame(l.pos), costs, l.done, nil
}

// IsEarlyEpisodeTermination implements env.Environment: episodes are terminated after MaxSteps.
func (l *Lake) IsEarlyEpisodeTermination(cost float32) (done bool, punishment float32) {
	if l.done || l.cfg.MaxSteps <= 0 || l.steps < l.cfg.MaxSteps {
		return false, 0
	}
	l.done = true
	return true, l.cfg.Punishment
}

// MinCost implements env.Environment: reaching the goal.
func (l *Lake) MinCost() float32 {
	if len(l.goals) == 0 {
		return 0
	}
	return -1
}
