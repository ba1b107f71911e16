package dqn

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Performance tracks the normalized cost of the episodes: episode cost divided by the minimum cost of the
// environment, so 1 is an optimal episode.
type Performance struct {
	// Goal of the average performance.
	Goal float64

	// AvgOver is the number of most recent episodes averaged.
	AvgOver int

	values []float64
}

// NewPerformance creates an empty Performance.
func NewPerformance(goal float64, avgOver int) *Performance {
	return &Performance{Goal: goal, AvgOver: avgOver}
}

// Append the normalized cost of one episode.
func (p *Performance) Append(value float64) {
	p.values = append(p.values, value)
}

// Len is the number of episodes appended.
func (p *Performance) Len() int { return len(p.values) }

// Values of all the episodes.
func (p *Performance) Values() []float64 { return p.values }

// Last episode performance, or 0 if there are none.
func (p *Performance) Last() float64 {
	if len(p.values) == 0 {
		return 0
	}
	return p.values[len(p.values)-1]
}

// Average of the last AvgOver episodes, rounded to 3 decimal places. It is 0 if there are no episodes.
func (p *Performance) Average() float64 {
	if len(p.values) == 0 {
		return 0
	}
	window := p.values[max(len(p.values)-max(p.AvgOver, 1), 0):]
	return math.Round(stat.Mean(window, nil)*1000) / 1000
}

// ReachedGoal returns whether the average performance is at least the goal.
func (p *Performance) ReachedGoal() bool {
	return len(p.values) > 0 && p.Average() >= p.Goal
}
