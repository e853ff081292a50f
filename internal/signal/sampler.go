package signal

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Sampler owns an immutable, time-ordered sequence of samples.
type Sampler struct {
	samples []Sample
}

// NewSampler copies samples into a new Sampler. Timestamps must be strictly
// increasing.
func NewSampler(samples []Sample) (*Sampler, error) {
	for i := 1; i < len(samples); i++ {
		if samples[i].Time <= samples[i-1].Time {
			return nil, fmt.Errorf("sample %d at %v is not after sample %d at %v",
				i, samples[i].Time, i-1, samples[i-1].Time)
		}
	}
	owned := make([]Sample, len(samples))
	copy(owned, samples)
	return &Sampler{samples: owned}, nil
}

// Len returns the number of recorded samples.
func (s *Sampler) Len() int { return len(s.samples) }

// Window returns the half-open range [start, end) as a read-only view.
func (s *Sampler) Window(start, end int) (Window, error) {
	if start < 0 || start >= end || end > len(s.samples) {
		return Window{}, &RangeError{Start: start, End: end, Len: len(s.samples)}
	}
	return Window{samples: s.samples[start:end:end], start: start}, nil
}

// All returns a window spanning every recorded sample.
func (s *Sampler) All() (Window, error) {
	return s.Window(0, len(s.samples))
}

// Differences returns consecutive first differences per axis. A window of n
// samples yields n-1 deltas.
func (s *Sampler) Differences(w Window) []Vec3 {
	if w.Len() < 2 {
		return nil
	}
	out := make([]Vec3, w.Len()-1)
	for i := 1; i < w.Len(); i++ {
		out[i-1] = w.samples[i].Value.Sub(w.samples[i-1].Value)
	}
	return out
}

// Window is a read-only view over a contiguous run of samples.
type Window struct {
	samples []Sample
	start   int
}

// Len returns the number of samples in the window.
func (w Window) Len() int { return len(w.samples) }

// Start returns the index of the first sample in the backing sequence.
func (w Window) Start() int { return w.start }

// End returns the exclusive end index in the backing sequence.
func (w Window) End() int { return w.start + len(w.samples) }

// At returns the i-th sample of the window.
func (w Window) At(i int) Sample { return w.samples[i] }

// Axis returns a copy of one axis of the window.
func (w Window) Axis(axis int) []float64 {
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.Value[axis]
	}
	return out
}

// Mean returns the per-axis arithmetic mean of the window.
func (w Window) Mean() Vec3 {
	var m Vec3
	for axis := 0; axis < Axes; axis++ {
		m[axis] = stat.Mean(w.Axis(axis), nil)
	}
	return m
}

// Variance returns the per-axis unbiased sample variance of the window.
// Windows with fewer than two samples report zero.
func (w Window) Variance() Vec3 {
	var v Vec3
	if len(w.samples) < 2 {
		return v
	}
	for axis := 0; axis < Axes; axis++ {
		v[axis] = stat.Variance(w.Axis(axis), nil)
	}
	return v
}

// Duration returns the elapsed time between the first and last sample.
func (w Window) Duration() time.Duration {
	if len(w.samples) < 2 {
		return 0
	}
	return w.samples[len(w.samples)-1].Time - w.samples[0].Time
}

// Interval returns the mean time between consecutive samples, or zero for
// windows shorter than two samples.
func (w Window) Interval() time.Duration {
	if len(w.samples) < 2 {
		return 0
	}
	return w.Duration() / time.Duration(len(w.samples)-1)
}
