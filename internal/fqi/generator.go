package fqi

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/pkg/errors"
)

// Sampling strategy of the Generator.
type Sampling int

const (
	// SamplingPermutation consumes a random permutation of the transitions without replacement, and reshuffles
	// it at the end of every cycle.
	SamplingPermutation Sampling = iota

	// SamplingUniform draws every index uniformly at random, with replacement.
	SamplingUniform
)

// String implements fmt.Stringer.
func (s Sampling) String() string {
	switch s {
	case SamplingPermutation:
		return "permutation"
	case SamplingUniform:
		return "uniform"
	}
	return fmt.Sprintf("Sampling(%d)", int(s))
}

// ParseSampling is the inverse of Sampling.String.
func ParseSampling(name string) (Sampling, error) {
	for _, s := range []Sampling{SamplingPermutation, SamplingUniform} {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown sampling %q, valid values are \"permutation\" or \"uniform\"", name)
}

// NextValueFn returns the value of each next state, according to the frozen approximator.
type NextValueFn func(frozen ai.ValueScorer, nextStates [][]float32) []float32

// MinNextValue is the NextValueFn of fitted Q iteration: min_a Q(x', a).
func MinNextValue(frozen ai.ValueScorer, nextStates [][]float32) []float32 {
	values, _ := ai.MinOverActions(frozen, nextStates)
	return values
}

// Generator is an ai.BatchSource of Bellman regression batches: the transitions are sampled, and their
// targets computed on demand from the frozen approximator.
//
// Next is safe for concurrent use: the cursor is advanced atomically, and each call returns a full batch of
// its own. Within a permutation cycle, batches never overlap.
type Generator struct {
	data      *Transitions
	frozen    ai.ValueScorer
	gamma     float32
	nextValue NextValueFn
	batchSize int
	sampling  Sampling

	mu          sync.Mutex
	rng         *rand.Rand
	permutation []int
	cursor      int
}

var _ ai.BatchSource = (*Generator)(nil)

// NewGenerator creates a generator over data, with targets computed from frozen. If nextValue is nil,
// MinNextValue is used.
func NewGenerator(data *Transitions, frozen ai.ValueScorer, gamma float32, nextValue NextValueFn,
	batchSize int, sampling Sampling, rng *rand.Rand) (*Generator, error) {
	if err := data.check(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid generator batch size %d", batchSize)
	}
	if nextValue == nil {
		nextValue = MinNextValue
	}
	g := &Generator{
		data:      data,
		frozen:    frozen,
		gamma:     gamma,
		nextValue: nextValue,
		batchSize: batchSize,
		sampling:  sampling,
		rng:       rng,
	}
	if sampling == SamplingPermutation {
		g.permutation = g.rng.Perm(data.Len())
	}
	return g, nil
}

// StepsPerEpoch implements ai.BatchSource: enough batches to cover the data once.
func (g *Generator) StepsPerEpoch() int {
	return (g.data.Len() + g.batchSize - 1) / g.batchSize
}

// nextIndices atomically advances the cursor.
func (g *Generator) nextIndices() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.data.Len()
	if g.sampling == SamplingUniform {
		indices := make([]int, g.batchSize)
		for ii := range indices {
			indices[ii] = g.rng.IntN(n)
		}
		return indices
	}
	if g.cursor >= n {
		g.rng.Shuffle(n, func(i, j int) { g.permutation[i], g.permutation[j] = g.permutation[j], g.permutation[i] })
		g.cursor = 0
	}
	end := min(g.cursor+g.batchSize, n)
	indices := make([]int, end-g.cursor)
	copy(indices, g.permutation[g.cursor:end])
	g.cursor = end
	return indices
}

// Next implements ai.BatchSource.
func (g *Generator) Next() (ai.Batch, error) {
	batch := g.data.Gather(g.nextIndices())
	nextValues := g.nextValue(g.frozen, batch.NextStates)
	if len(nextValues) != batch.Len() {
		return ai.Batch{}, errors.Errorf("%d next state values for %d transitions", len(nextValues), batch.Len())
	}
	return ai.Batch{
		States:  batch.States,
		Actions: batch.Actions,
		Targets: BellmanTargets(batch.Costs, nextValues, batch.Dones, g.gamma),
	}, nil
}
