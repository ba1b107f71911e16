package fqi

import (
	"math"
	"strconv"
	"strings"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/generics"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/replay"
	"github.com/pkg/errors"
)

// Transitions are the regression data of fitted iteration, extracted from the consolidated view of a dataset.
// Row i of every field refers to the same transition.
type Transitions struct {
	States     [][]float32
	Actions    []int
	NextStates [][]float32
	Costs      []float32
	Dones      []float32
}

// FromDataset extracts the transitions of a preprocessed dataset, whose cost was selected with SetCost or
// CalculateCost.
func FromDataset(dataset *replay.Dataset, kind replay.DomainKind) (*Transitions, error) {
	pairs, err := dataset.StateActionPairs(kind)
	if err != nil {
		return nil, err
	}
	xPrime, err := dataset.Get(replay.KeyXPrime)
	if err != nil {
		return nil, err
	}
	costs, err := dataset.Get(replay.KeyCost)
	if err != nil {
		return nil, err
	}
	dones, err := dataset.Get(replay.KeyDone)
	if err != nil {
		return nil, err
	}
	t := &Transitions{
		States:     pairs.States,
		Actions:    pairs.Actions,
		NextStates: xPrime.RowsSlice(),
		Costs:      costs.Values,
		Dones:      dones.Values,
	}
	if err = t.check(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transitions) check() error {
	n := len(t.States)
	if len(t.Actions) != n || len(t.NextStates) != n || len(t.Costs) != n || len(t.Dones) != n {
		return errors.Errorf("inconsistent transitions: %d states, %d actions, %d next states, %d costs and %d dones",
			n, len(t.Actions), len(t.NextStates), len(t.Costs), len(t.Dones))
	}
	if n == 0 {
		return replay.ErrEmptyBuffer
	}
	return nil
}

// Len is the number of transitions.
func (t *Transitions) Len() int { return len(t.States) }

// Gather returns the transitions at the given indices. The rows are shared, not copied.
func (t *Transitions) Gather(indices []int) *Transitions {
	g := &Transitions{
		States:     make([][]float32, len(indices)),
		Actions:    make([]int, len(indices)),
		NextStates: make([][]float32, len(indices)),
		Costs:      make([]float32, len(indices)),
		Dones:      make([]float32, len(indices)),
	}
	for ii, idx := range indices {
		g.States[ii] = t.States[idx]
		g.Actions[ii] = t.Actions[idx]
		g.NextStates[ii] = t.NextStates[idx]
		g.Costs[ii] = t.Costs[idx]
		g.Dones[ii] = t.Dones[idx]
	}
	return g
}

// Skim returns the indices of the first occurrence of every distinct (state, action, next state).
func (t *Transitions) Skim() []int {
	seen := generics.MakeSet[string](t.Len())
	var indices []int
	var sb strings.Builder
	for ii := range t.States {
		sb.Reset()
		writeRow(&sb, t.States[ii])
		sb.WriteString(strconv.Itoa(t.Actions[ii]))
		sb.WriteByte('|')
		writeRow(&sb, t.NextStates[ii])
		key := sb.String()
		if seen.Has(key) {
			continue
		}
		seen.Insert(key)
		indices = append(indices, ii)
	}
	return indices
}

func writeRow(sb *strings.Builder, row []float32) {
	for _, v := range row {
		sb.WriteString(strconv.FormatUint(uint64(math.Float32bits(v)), 16))
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
}

// BellmanTargets returns cost + gamma * nextValue * (1 - done) for every transition.
// Terminal transitions (done == 1) get exactly their cost, whatever the next value.
func BellmanTargets(costs, nextValues, dones []float32, gamma float32) []float32 {
	targets := make([]float32, len(costs))
	for ii, cost := range costs {
		if dones[ii] >= 1 {
			targets[ii] = cost
			continue
		}
		targets[ii] = cost + gamma*nextValues[ii]*(1-dones[ii])
	}
	return targets
}
