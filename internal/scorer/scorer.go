// Package scorer measures how a filter configured with one grid candidate
// treats the synthetic traces: residual noise on the jitter trace
// (precision) and response delay on the edge trace (lag).
package scorer

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/synth"
)

// Filter is the filter under test. Reset returns it to its initial state;
// Step feeds one raw sample filtered with the given parameters.
type Filter interface {
	Reset()
	Step(raw signal.Vec3, p grid.Candidate) signal.Vec3
}

// Config holds the scoring policy.
type Config struct {
	// Threshold is the fraction of the edge step the filtered trace must
	// reach to count as having responded.
	Threshold float64 `json:"threshold"`
	// WarmupSamples are dropped from the head of the filtered jitter trace
	// before measuring dispersion.
	WarmupSamples int `json:"warmup_samples"`
}

// DefaultConfig returns a 90% crossing threshold and no warm-up.
func DefaultConfig() Config {
	return Config{Threshold: 0.9}
}

// Score is the measured behaviour of one candidate. Aggregates are the
// worst axis.
type Score struct {
	Precision     float64     `json:"precision"`
	LagSamples    int         `json:"lag_samples"`
	LagSeconds    float64     `json:"lag_seconds"`
	AxisPrecision signal.Vec3 `json:"axis_precision"`
	AxisLag       [3]int      `json:"axis_lag_samples"`
	// Settled is false when some axis never crossed the threshold inside
	// the edge trace; its lag is then the remaining trace length.
	Settled bool `json:"settled"`
}

// Scorer applies a Config to filters and traces. It holds no mutable state
// and is safe for concurrent use.
type Scorer struct {
	cfg Config
}

// New validates cfg and returns a Scorer.
func New(cfg Config) (*Scorer, error) {
	if !(cfg.Threshold > 0 && cfg.Threshold <= 1) {
		return nil, fmt.Errorf("threshold must be in (0, 1], got %g", cfg.Threshold)
	}
	if cfg.WarmupSamples < 0 {
		return nil, fmt.Errorf("warmup samples must be non-negative, got %d", cfg.WarmupSamples)
	}
	return &Scorer{cfg: cfg}, nil
}

// Config returns the scoring policy.
func (s *Scorer) Config() Config { return s.cfg }

// Score runs f over both traces with candidate c. The filter is reset
// before each trace so no state carries over between candidates.
func (s *Scorer) Score(f Filter, c grid.Candidate, tr synth.Traces) Score {
	var sc Score
	sc.AxisPrecision = s.precision(f, c, tr.Jitter)
	sc.Precision = sc.AxisPrecision.Max()

	sc.Settled = true
	f.Reset()
	filtered := make([]signal.Vec3, len(tr.Edge))
	for i, raw := range tr.Edge {
		filtered[i] = f.Step(raw, c)
	}
	for axis := 0; axis < signal.Axes; axis++ {
		lag, settled := s.lag(tr, filtered, axis)
		sc.AxisLag[axis] = lag
		if !settled {
			sc.Settled = false
		}
		if lag > sc.LagSamples {
			sc.LagSamples = lag
		}
	}
	sc.LagSeconds = float64(sc.LagSamples) / tr.SampleRate
	return sc
}

func (s *Scorer) precision(f Filter, c grid.Candidate, jitter []signal.Vec3) signal.Vec3 {
	f.Reset()
	skip := s.cfg.WarmupSamples
	if skip > len(jitter)-2 {
		skip = max(len(jitter)-2, 0)
	}
	var axes [signal.Axes][]float64
	for a := range axes {
		axes[a] = make([]float64, 0, len(jitter)-skip)
	}
	for i, raw := range jitter {
		out := f.Step(raw, c)
		if i < skip {
			continue
		}
		for a := range axes {
			axes[a] = append(axes[a], out[a])
		}
	}

	var p signal.Vec3
	for a := range axes {
		if len(axes[a]) >= 2 {
			p[a] = stat.StdDev(axes[a], nil)
		}
	}
	return p
}

// lag counts samples between the true edge and the filtered edge first
// reaching Threshold of the step. Axes without a step report zero.
func (s *Scorer) lag(tr synth.Traces, filtered []signal.Vec3, axis int) (int, bool) {
	amp := tr.Amplitude[axis]
	if amp == 0 {
		return 0, true
	}
	target := tr.Baseline[axis] + s.cfg.Threshold*amp
	reached := func(v float64) bool {
		if amp > 0 {
			return v >= target
		}
		return v <= target
	}

	trueIdx := -1
	for i := tr.EdgeStart; i < len(tr.Edge); i++ {
		if reached(tr.Edge[i][axis]) {
			trueIdx = i
			break
		}
	}
	if trueIdx < 0 {
		// the trace itself never reaches the threshold; nothing to measure
		return 0, true
	}
	for i := tr.EdgeStart; i < len(filtered); i++ {
		if reached(filtered[i][axis]) {
			return max(i-trueIdx, 0), true
		}
	}
	return len(filtered) - trueIdx, false
}
