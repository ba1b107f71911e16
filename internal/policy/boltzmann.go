package policy

import (
	"fmt"

	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Boltzmann takes actions with probability proportional to exp(-Q(x, a)/Temperature): lower costs are
// more likely, and higher temperatures lead to more exploration. It is not safe for concurrent use.
type Boltzmann struct {
	Scorer      ai.ValueScorer
	Temperature float64
	src         rand.Source
}

var _ Policy = (*Boltzmann)(nil)

// NewBoltzmann creates a Boltzmann policy over scorer. A temperature <= 0 is the Greedy policy.
func NewBoltzmann(scorer ai.ValueScorer, temperature float64, src rand.Source) *Boltzmann {
	return &Boltzmann{Scorer: scorer, Temperature: temperature, src: src}
}

// String implements fmt.Stringer.
func (p *Boltzmann) String() string {
	return fmt.Sprintf("boltzmann(%s, T=%g)", p.Scorer, p.Temperature)
}

// NumActions implements Policy.
func (p *Boltzmann) NumActions() int { return p.Scorer.NumActions() }

// Probabilities implements Policy.
func (p *Boltzmann) Probabilities(state []float32) []float64 {
	if p.Temperature <= 0 {
		return Greedy{Scorer: p.Scorer}.Probabilities(state)
	}
	values := p.Scorer.AllActions([][]float32{state})[0]
	logits := make([]float64, len(values))
	for action, v := range values {
		logits[action] = -float64(v) / p.Temperature
	}
	return ai.Softmax(logits)
}

// Act implements Policy.
func (p *Boltzmann) Act(state []float32) int {
	if p.Temperature <= 0 {
		return ai.GreedyAction(p.Scorer, state)
	}
	action, ok := sampleuv.NewWeighted(p.Probabilities(state), p.src).Take()
	if !ok {
		return ai.GreedyAction(p.Scorer, state)
	}
	return action
}
