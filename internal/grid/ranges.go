package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxCandidates bounds FromRanges to keep an exhaustive search tractable.
const maxCandidates = 10000

// RangeSpec defines a floating-point parameter range.
type RangeSpec struct {
	Min  float64
	Max  float64
	Step float64
}

// ParseRangeSpec parses a "min:max:step" string into a RangeSpec.
func ParseRangeSpec(s string) (RangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}

	var vals [3]float64
	for i, name := range []string{"min", "max", "step"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return RangeSpec{}, fmt.Errorf("invalid %s value %q: %w", name, parts[i], err)
		}
		vals[i] = v
	}

	if vals[2] <= 0 {
		return RangeSpec{}, fmt.Errorf("step must be positive, got %f", vals[2])
	}
	return RangeSpec{Min: vals[0], Max: vals[1], Step: vals[2]}, nil
}

// Values expands the range, inclusive of Max. Values are rounded to nine
// decimal places so accumulated stepping error does not leak into the table.
// Returns nil if Min > Max or the range would exceed maxCandidates values.
func (r RangeSpec) Values() []float64 {
	if r.Step <= 0 || r.Min > r.Max {
		return nil
	}
	count := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	if count > maxCandidates || count < 0 {
		return nil
	}
	out := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, math.Round((r.Min+float64(i)*r.Step)*1e9)/1e9)
	}
	return out
}

// ParseParamList parses either a "min:max:step" range or a comma-separated
// list of floats.
func ParseParamList(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.Contains(s, ":") {
		spec, err := ParseRangeSpec(s)
		if err != nil {
			return nil, err
		}
		vals := spec.Values()
		if vals == nil {
			return nil, fmt.Errorf("range %q is empty or exceeds %d values", s, maxCandidates)
		}
		return vals, nil
	}

	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// FromRanges builds the cartesian product of jitter, cutoff and beta specs.
// Each spec is a range or a list; an empty spec contributes a single zero.
// Candidates are ordered jitter-major, then cutoff, then beta.
func FromRanges(sampleRate float64, jitterSpec, cutoffSpec, betaSpec string) (*Grid, error) {
	specs := []string{jitterSpec, cutoffSpec, betaSpec}
	values := make([][]float64, len(specs))
	total := 1
	for i, spec := range specs {
		v, err := ParseParamList(spec)
		if err != nil {
			return nil, fmt.Errorf("parsing spec %d (%q): %w", i, spec, err)
		}
		if len(v) == 0 {
			v = []float64{0}
		}
		values[i] = v
		total *= len(v)
		if total > maxCandidates {
			return nil, fmt.Errorf("parameter combinations would exceed safe limit of %d", maxCandidates)
		}
	}

	candidates := make([]Candidate, 0, total)
	for _, j := range values[0] {
		for _, c := range values[1] {
			for _, b := range values[2] {
				candidates = append(candidates, Candidate{Jitter: j, Cutoff: c, Beta: b})
			}
		}
	}
	return New(sampleRate, candidates)
}
