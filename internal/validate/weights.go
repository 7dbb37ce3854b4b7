package validate

import (
	"fmt"
	"math"
)

// weightSummer is satisfied by discovery.Weights. A structural interface
// keeps this leaf package free of a dependency on internal/discovery.
type weightSummer interface {
	Sum() float64
}

// ScoreWeights checks that a configured node-score weight set sums to 1
// within floating-point tolerance, per spec.md §9's resolution that the
// five-term structure is fixed but values are configurable.
func ScoreWeights(w weightSummer) error {
	const tolerance = 1e-6
	sum := w.Sum()
	if math.Abs(sum-1.0) > tolerance {
		return fmt.Errorf("%w: weights sum to %.6f, must sum to 1", ErrInvalidScoreWeights, sum)
	}
	return nil
}
