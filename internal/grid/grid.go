// Package grid holds the fixed table of filter parameter candidates searched
// during calibration. A Grid is immutable once built and is only valid for
// the sample rate it was generated for.
package grid

import (
	"fmt"
	"math"
	"sort"
)

// Candidate is one parameter tuple. Jitter is the noise level the tuple was
// tabulated for; Cutoff and Beta are passed to the filter under test.
type Candidate struct {
	Jitter float64 `json:"jitter"`
	Cutoff float64 `json:"cutoff"`
	Beta   float64 `json:"beta"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("jitter=%g cutoff=%g beta=%g", c.Jitter, c.Cutoff, c.Beta)
}

// Grid is an ordered, read-only set of candidates for one sample rate.
type Grid struct {
	sampleRate float64
	candidates []Candidate
}

// New validates and copies candidates into a Grid. An empty candidate list
// is allowed here; the search rejects it.
func New(sampleRate float64, candidates []Candidate) (*Grid, error) {
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("sample rate must be positive and finite, got %g", sampleRate)
	}
	owned := make([]Candidate, len(candidates))
	for i, c := range candidates {
		fields := []struct {
			name string
			v    float64
		}{{"jitter", c.Jitter}, {"cutoff", c.Cutoff}, {"beta", c.Beta}}
		for _, f := range fields {
			if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
				return nil, fmt.Errorf("candidate %d: %s must be a non-negative finite number, got %g", i, f.name, f.v)
			}
		}
		owned[i] = c
	}
	return &Grid{sampleRate: sampleRate, candidates: owned}, nil
}

// SampleRate returns the rate in Hz the grid is valid for.
func (g *Grid) SampleRate() float64 { return g.sampleRate }

// Len returns the number of candidates.
func (g *Grid) Len() int { return len(g.candidates) }

// At returns the i-th candidate.
func (g *Grid) At(i int) Candidate { return g.candidates[i] }

// Candidates returns a copy of every candidate in table order.
func (g *Grid) Candidates() []Candidate {
	out := make([]Candidate, len(g.candidates))
	copy(out, g.candidates)
	return out
}

// JitterLevels returns the distinct jitter values in ascending order.
func (g *Grid) JitterLevels() []float64 {
	seen := make(map[float64]struct{})
	var levels []float64
	for _, c := range g.candidates {
		if _, ok := seen[c.Jitter]; ok {
			continue
		}
		seen[c.Jitter] = struct{}{}
		levels = append(levels, c.Jitter)
	}
	sort.Float64s(levels)
	return levels
}

// NearestJitter returns the sub-grid tabulated at the jitter level closest to
// level. Equidistant levels resolve to the lower one.
func (g *Grid) NearestJitter(level float64) *Grid {
	levels := g.JitterLevels()
	if len(levels) == 0 {
		return &Grid{sampleRate: g.sampleRate}
	}
	best := levels[0]
	for _, l := range levels[1:] {
		if math.Abs(l-level) < math.Abs(best-level) {
			best = l
		}
	}
	sub := &Grid{sampleRate: g.sampleRate}
	for _, c := range g.candidates {
		if c.Jitter == best {
			sub.candidates = append(sub.candidates, c)
		}
	}
	return sub
}
