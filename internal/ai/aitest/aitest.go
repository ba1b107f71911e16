// Package aitest provides a deterministic ai.ValueLearner for tests of the trainers: a Q table whose Learn
// sets the values of the batch to their labels exactly.
package aitest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/pkg/errors"
)

// Table is a Q table over discrete states. Learn assigns the labels, the last one winning for repeated
// (state, action) pairs. Unvisited entries are 0.
type Table struct {
	NumStates  int
	values     []float32
	numActions int

	mu sync.RWMutex

	// LearnCalls counts the calls to Learn.
	LearnCalls int
}

var _ ai.ValueLearner = (*Table)(nil)

// NewTable creates a zero table.
func NewTable(numStates, numActions int) *Table {
	return &Table{NumStates: numStates, numActions: numActions, values: make([]float32, numStates*numActions)}
}

func (t *Table) idx(state []float32, action int) int {
	return ai.StateIndex(state, t.NumStates)*t.numActions + action
}

// String implements ai.ValueScorer.
func (t *Table) String() string { return fmt.Sprintf("table[%dx%d]", t.NumStates, t.numActions) }

// NumActions implements ai.ValueScorer.
func (t *Table) NumActions() int { return t.numActions }

// Value returns Q(s, a).
func (t *Table) Value(s, a int) float32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[s*t.numActions+a]
}

// Set Q(s, a).
func (t *Table) Set(s, a int, value float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[s*t.numActions+a] = value
}

// Score implements ai.ValueScorer.
func (t *Table) Score(states [][]float32, actions []int) []float32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	scores := make([]float32, len(states))
	for ii, state := range states {
		scores[ii] = t.values[t.idx(state, actions[ii])]
	}
	return scores
}

// AllActions implements ai.ValueScorer.
func (t *Table) AllActions(states [][]float32) [][]float32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := make([][]float32, len(states))
	for ii, state := range states {
		base := t.idx(state, 0)
		all[ii] = slices.Clone(t.values[base : base+t.numActions])
	}
	return all
}

// Learn implements ai.ValueLearner: it returns the loss before the assignment.
func (t *Table) Learn(states [][]float32, actions []int, labels []float32) float32 {
	loss := t.Loss(states, actions, labels)
	t.mu.Lock()
	defer t.mu.Unlock()
	for ii, state := range states {
		t.values[t.idx(state, actions[ii])] = labels[ii]
	}
	t.LearnCalls++
	return loss
}

// Loss implements ai.ValueLearner: mean squared error.
func (t *Table) Loss(states [][]float32, actions []int, labels []float32) float32 {
	if len(states) == 0 {
		return 0
	}
	scores := t.Score(states, actions)
	var loss float32
	for ii, score := range scores {
		loss += (score - labels[ii]) * (score - labels[ii])
	}
	return loss / float32(len(scores))
}

// Save implements ai.ValueLearner, it's a no-op.
func (t *Table) Save() error { return nil }

// BatchSize implements ai.ValueLearner.
func (t *Table) BatchSize() int { return 32 }

// Clone implements ai.ValueLearner.
func (t *Table) Clone() (ai.ValueLearner, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Table{NumStates: t.NumStates, numActions: t.numActions, values: slices.Clone(t.values)}, nil
}

// CopyTo implements ai.ValueLearner.
func (t *Table) CopyTo(dst ai.ValueLearner) error {
	d, ok := dst.(*Table)
	if !ok || len(d.values) != len(t.values) {
		return errors.Errorf("cannot copy %s to %s", t, dst)
	}
	if d == t {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.values, t.values)
	return nil
}
