// Package ope implements off-policy evaluation: estimating the discounted cost of a policy from data
// collected by another one.
//
// Exact solves the Bellman equations of tabular models, and serves as ground truth. ImportanceSampling
// reweights the episodes of the dataset, and FittedQEvaluation fits the Q function of the policy.
package ope

import (
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/ai"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/env"
	"github.com/oroojlooy/constrained-batch-policy-learning/internal/policy"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Exact evaluates policies on a tabular model by solving (I - gamma P_pi) V = c_pi.
type Exact struct {
	Model env.Tabular
	Gamma float64

	// StateFn returns the state seen by the policies in discrete state s. By default the one-hot encoding.
	StateFn func(s int) []float32
}

// NewExact creates an Exact evaluator of model.
func NewExact(model env.Tabular, gamma float64) *Exact {
	return &Exact{Model: model, Gamma: gamma}
}

func (e *Exact) state(s int) []float32 {
	if e.StateFn != nil {
		return e.StateFn(s)
	}
	return ai.OneHotEncoding(e.Model.NumStates(), s)
}

// Values returns the discounted cost-to-go of every state under p. Terminal states have value 0.
func (e *Exact) Values(p policy.Policy) ([]float64, error) {
	n := e.Model.NumStates()
	transitions := e.Model.Transitions()
	a := mat.NewDense(n, n, nil)
	c := mat.NewVecDense(n, nil)
	for s := range n {
		a.Set(s, s, 1)
		if len(transitions[s]) == 0 {
			// Terminal.
			continue
		}
		probs := p.Probabilities(e.state(s))
		if len(probs) != len(transitions[s]) {
			return nil, errors.Errorf("policy %s returned %d probabilities, the model has %d actions",
				p, len(probs), len(transitions[s]))
		}
		var cost float64
		for action, prob := range probs {
			if prob == 0 {
				continue
			}
			for _, outcome := range transitions[s][action] {
				cost += prob * outcome.Prob * outcome.Cost
				if !outcome.Done {
					a.Set(s, outcome.Next, a.At(s, outcome.Next)-e.Gamma*prob*outcome.Prob)
				}
			}
		}
		c.SetVec(s, cost)
	}
	var v mat.VecDense
	if err := v.SolveVec(a, c); err != nil {
		return nil, errors.Wrapf(err, "failed to solve the Bellman equations of %s", p)
	}
	return v.RawVector().Data, nil
}

// Run returns the discounted cost of p from the initial state of the model.
func (e *Exact) Run(p policy.Policy) (float64, error) {
	values, err := e.Values(p)
	if err != nil {
		return 0, err
	}
	return values[e.Model.InitialState()], nil
}
