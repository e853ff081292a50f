// Package filter provides concrete low-pass filters that can be calibrated.
// Each filter works on all three axes independently and reads its tuning
// from the grid candidate passed to Step.
package filter

import (
	"math"

	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/signal"
)

// smoothing returns the exponential smoothing factor for a first-order
// low-pass at cutoffHz sampled at rateHz. Zero cutoff holds the previous
// output.
func smoothing(cutoffHz, rateHz float64) float64 {
	if cutoffHz <= 0 {
		return 0
	}
	r := 2 * math.Pi * cutoffHz / rateHz
	return r / (r + 1)
}

// PassThrough returns every sample unchanged.
type PassThrough struct{}

// Reset is a no-op.
func (PassThrough) Reset() {}

// Step returns raw.
func (PassThrough) Step(raw signal.Vec3, _ grid.Candidate) signal.Vec3 { return raw }

// Exponential is a single-pole low-pass at the candidate's Cutoff. Beta and
// Jitter are ignored.
type Exponential struct {
	Rate float64

	prev   signal.Vec3
	primed bool
}

// NewExponential returns an Exponential filter for samples at rateHz.
func NewExponential(rateHz float64) *Exponential {
	return &Exponential{Rate: rateHz}
}

// Reset clears the filter history.
func (e *Exponential) Reset() {
	e.prev = signal.Vec3{}
	e.primed = false
}

// Step filters one sample.
func (e *Exponential) Step(raw signal.Vec3, p grid.Candidate) signal.Vec3 {
	if !e.primed {
		e.prev = raw
		e.primed = true
		return raw
	}
	a := smoothing(p.Cutoff, e.Rate)
	for i := range raw {
		e.prev[i] += a * (raw[i] - e.prev[i])
	}
	return e.prev
}
