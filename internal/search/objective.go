package search

import (
	"fmt"
	"math"

	"github.com/banshee-data/filtercal/internal/scorer"
)

// ObjectiveWeights weights the normalised precision and lag terms of the
// "weighted" objective. Both terms are costs; larger weight means the term
// matters more.
type ObjectiveWeights struct {
	Precision float64 `json:"precision"`
	Lag       float64 `json:"lag"`
}

// DefaultObjectiveWeights weights precision and lag equally.
func DefaultObjectiveWeights() ObjectiveWeights {
	return ObjectiveWeights{Precision: 1.0, Lag: 1.0}
}

// Criterion is the caller's precision/lag policy for one run. A nil
// threshold means no constraint on that metric.
type Criterion struct {
	Objective     string           `json:"objective"`
	Weights       ObjectiveWeights `json:"weights"`
	MaxPrecision  *float64         `json:"max_precision,omitempty"`
	MaxLagSeconds *float64         `json:"max_lag_seconds,omitempty"`
}

// MinLagBelow returns the criterion "minimise lag subject to precision
// residual below maxPrecision".
func MinLagBelow(maxPrecision float64) Criterion {
	return Criterion{Objective: ObjectiveMinLag, Weights: DefaultObjectiveWeights(), MaxPrecision: &maxPrecision}
}

// Validate checks thresholds and weights. Objective names are checked
// against the registry by the optimizer.
func (c Criterion) Validate() error {
	if c.MaxPrecision != nil && (math.IsNaN(*c.MaxPrecision) || *c.MaxPrecision <= 0) {
		return fmt.Errorf("max_precision must be positive, got %g", *c.MaxPrecision)
	}
	if c.MaxLagSeconds != nil && (math.IsNaN(*c.MaxLagSeconds) || *c.MaxLagSeconds <= 0) {
		return fmt.Errorf("max_lag_seconds must be positive, got %g", *c.MaxLagSeconds)
	}
	if c.Weights.Precision < 0 || c.Weights.Lag < 0 {
		return fmt.Errorf("objective weights must be non-negative, got %+v", c.Weights)
	}
	if c.Objective == ObjectiveWeighted && c.Weights.Precision == 0 && c.Weights.Lag == 0 {
		return fmt.Errorf("weighted objective needs at least one non-zero weight")
	}
	return nil
}

// CheckAcceptance reports whether a score is strictly below every
// configured threshold.
func CheckAcceptance(s scorer.Score, c Criterion) bool {
	if c.MaxPrecision != nil && !(s.Precision < *c.MaxPrecision) {
		return false
	}
	if c.MaxLagSeconds != nil && !(s.LagSeconds < *c.MaxLagSeconds) {
		return false
	}
	return true
}

// Bounds are the extremes of precision and lag across the feasible
// candidates, used to normalise weighted terms into [0, 1].
type Bounds struct {
	MinPrecision, MaxPrecision   float64
	MinLagSeconds, MaxLagSeconds float64
}

// normalise maps v into [0, 1] over [lo, hi]; a degenerate range maps to 0.
func normalise(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return (v - lo) / (hi - lo)
}

// WeightedFitness is the weighted sum of min-max normalised precision and
// lag. Lower is better.
func WeightedFitness(s scorer.Score, b Bounds, w ObjectiveWeights) float64 {
	return w.Precision*normalise(s.Precision, b.MinPrecision, b.MaxPrecision) +
		w.Lag*normalise(s.LagSeconds, b.MinLagSeconds, b.MaxLagSeconds)
}
