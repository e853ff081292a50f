// Package signal holds recorded three-axis motion samples and provides
// read-only windows and per-axis statistics over them.
package signal

import (
	"fmt"
	"math"
	"time"
)

// Axes is the number of axes carried by every sample.
const Axes = 3

// Vec3 holds one value per axis (x, y, z).
type Vec3 [Axes]float64

// Max returns the largest component.
func (v Vec3) Max() float64 {
	m := v[0]
	for _, c := range v[1:] {
		if c > m {
			m = c
		}
	}
	return m
}

// Abs returns the component-wise absolute value.
func (v Vec3) Abs() Vec3 {
	return Vec3{math.Abs(v[0]), math.Abs(v[1]), math.Abs(v[2])}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// Scale returns v multiplied by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{v[0] * k, v[1] * k, v[2] * k}
}

// Sample is one timestamped three-axis reading. Time is the offset from the
// start of the recording.
type Sample struct {
	Time  time.Duration `json:"time"`
	Value Vec3          `json:"value"`
}

// RangeError reports window bounds that are empty, inverted, or outside the
// recorded data.
type RangeError struct {
	Start int
	End   int
	Len   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid window [%d, %d) over %d samples", e.Start, e.End, e.Len)
}
