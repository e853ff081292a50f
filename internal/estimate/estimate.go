// Package estimate derives per-axis noise and speed figures from windows of
// recorded motion. Noise comes from a stationary window, speed from a window
// containing deliberate fast movement.
package estimate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/filtercal/internal/signal"
)

const (
	// MinSamplesFloor is the smallest window any estimator accepts.
	MinSamplesFloor = 2
	// DefaultMinSamples is the recommended minimum window size.
	DefaultMinSamples = 30

	// z-score for a two-sided 95% interval
	ci95Z = 1.96
)

// InsufficientDataError reports a window too short for a stable estimate.
type InsufficientDataError struct {
	Got  int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("window has %d samples, need at least %d", e.Got, e.Need)
}

// NoiseEstimate is the per-axis dispersion of a stationary window.
type NoiseEstimate struct {
	StdDev  signal.Vec3 `json:"std_dev"`
	Mean    signal.Vec3 `json:"mean"`
	CI95    signal.Vec3 `json:"ci95"`
	Samples int         `json:"samples"`
}

// SpeedEstimate is the per-axis maximum rate of change of a dynamic window.
// Rate is in units per second, MaxDelta in units per sample.
type SpeedEstimate struct {
	Rate            signal.Vec3 `json:"rate"`
	MaxDelta        signal.Vec3 `json:"max_delta"`
	IntervalSeconds float64     `json:"interval_seconds"`
	Samples         int         `json:"samples"`
}

func checkCount(w signal.Window, minSamples int) error {
	need := minSamples
	if need < MinSamplesFloor {
		need = MinSamplesFloor
	}
	if w.Len() < need {
		return &InsufficientDataError{Got: w.Len(), Need: need}
	}
	return nil
}

// Noise computes the per-axis sample standard deviation of the raw readings
// in a stationary window.
func Noise(w signal.Window, minSamples int) (NoiseEstimate, error) {
	if err := checkCount(w, minSamples); err != nil {
		return NoiseEstimate{}, err
	}
	est := NoiseEstimate{Mean: w.Mean(), Samples: w.Len()}
	n := float64(w.Len())
	for axis, v := range w.Variance() {
		std := math.Sqrt(v)
		est.StdDev[axis] = std
		est.CI95[axis] = ci95Z * stat.StdErr(std, n)
	}
	return est, nil
}

// Speed takes the largest absolute first difference per axis and divides it
// by the mean sampling interval of the window.
func Speed(s *signal.Sampler, w signal.Window, minSamples int) (SpeedEstimate, error) {
	if err := checkCount(w, minSamples); err != nil {
		return SpeedEstimate{}, err
	}
	dt := intervalSeconds(w)
	est := SpeedEstimate{IntervalSeconds: dt, Samples: w.Len()}
	for _, d := range s.Differences(w) {
		for axis, v := range d.Abs() {
			if v > est.MaxDelta[axis] {
				est.MaxDelta[axis] = v
			}
		}
	}
	est.Rate = est.MaxDelta.Scale(1 / dt)
	return est, nil
}

// topDeltas is the number of large deltas the robust estimator tracks per axis.
const topDeltas = 5

// RobustSpeed keeps the five largest deltas per axis that exceed three noise
// standard deviations and reports the smallest of them, discarding isolated
// spikes from tracking glitches. An axis with fewer than five qualifying
// deltas reports zero.
func RobustSpeed(s *signal.Sampler, w signal.Window, noise NoiseEstimate, minSamples int) (SpeedEstimate, error) {
	if err := checkCount(w, minSamples); err != nil {
		return SpeedEstimate{}, err
	}
	dt := intervalSeconds(w)
	var top [signal.Axes][topDeltas]float64
	for _, d := range s.Differences(w) {
		for axis, v := range d.Abs() {
			if v <= 3*noise.StdDev[axis] {
				continue
			}
			lowest := 0
			for i := 1; i < topDeltas; i++ {
				if top[axis][i] < top[axis][lowest] {
					lowest = i
				}
			}
			if v > top[axis][lowest] {
				top[axis][lowest] = v
			}
		}
	}

	est := SpeedEstimate{IntervalSeconds: dt, Samples: w.Len()}
	for axis := range top {
		m := math.Inf(1)
		for _, v := range top[axis] {
			m = math.Min(m, v)
		}
		est.MaxDelta[axis] = m
	}
	est.Rate = est.MaxDelta.Scale(1 / dt)
	return est, nil
}

func intervalSeconds(w signal.Window) float64 {
	return w.Duration().Seconds() / float64(w.Len()-1)
}
