package ai

import (
	"math"
	"slices"
)

// Softmax returns the Softmax of the given logits in a numerically stable way.
func Softmax(logits []float64) (probs []float64) {
	probs = make([]float64, len(logits))
	if len(logits) == 0 {
		return
	}
	var sum float64

	// Subtracting maxValue from all logits keeps the probabilities the same, with smaller exponentials.
	maxValue := slices.Max(logits)
	for ii, value := range logits {
		probs[ii] = math.Exp(value - maxValue)
		sum += probs[ii]
	}
	for ii := range probs {
		probs[ii] /= sum
	}
	return
}
