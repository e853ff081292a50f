package filter

import (
	"math"

	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/signal"
)

// DefaultDerivativeCutoff is the cutoff in Hz applied to the speed estimate
// that drives the adaptive cutoff.
const DefaultDerivativeCutoff = 1.0

// OneEuro is a three-axis One Euro filter. The candidate's Cutoff is the
// minimum cutoff in Hz and Beta scales how fast the cutoff rises with
// speed, trading jitter at rest for lag in motion.
type OneEuro struct {
	Rate             float64
	DerivativeCutoff float64

	x      signal.Vec3
	dx     signal.Vec3
	primed bool
}

// NewOneEuro returns a filter for samples arriving at rateHz.
func NewOneEuro(rateHz, derivativeCutoff float64) *OneEuro {
	if derivativeCutoff <= 0 {
		derivativeCutoff = DefaultDerivativeCutoff
	}
	return &OneEuro{Rate: rateHz, DerivativeCutoff: derivativeCutoff}
}

// Reset clears the filtered value and derivative.
func (f *OneEuro) Reset() {
	f.x = signal.Vec3{}
	f.dx = signal.Vec3{}
	f.primed = false
}

// Step filters one sample.
func (f *OneEuro) Step(raw signal.Vec3, p grid.Candidate) signal.Vec3 {
	if !f.primed {
		f.x = raw
		f.dx = signal.Vec3{}
		f.primed = true
		return raw
	}
	ad := smoothing(f.DerivativeCutoff, f.Rate)
	for i := range raw {
		d := (raw[i] - f.x[i]) * f.Rate
		f.dx[i] += ad * (d - f.dx[i])
		cutoff := p.Cutoff + p.Beta*math.Abs(f.dx[i])
		f.x[i] += smoothing(cutoff, f.Rate) * (raw[i] - f.x[i])
	}
	return f.x
}
