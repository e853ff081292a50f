// Package calibrate runs a calibration as a chain of stages. Each stage is a
// distinct type whose only way forward is the method producing the next
// stage, so traces cannot be synthesised before both estimates exist and a
// result cannot be requested before traces exist.
//
//	cal, _ := calibrate.New(sampler, calibrate.Options{})
//	noise, _ := cal.EstimateNoise(0, 300)
//	speed, _ := noise.EstimateSpeed(300, 900)
//	traces, _ := speed.Synthesize(synth.DefaultConfig())
//	res, _ := traces.Optimize(ctx, grid.Default60Hz(), search.MinLagBelow(0.05), optimizer)
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/filtercal/internal/estimate"
	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/monitoring"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/search"
	"github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/synth"
	"github.com/banshee-data/filtercal/internal/timeutil"
)

var errDetachedStage = errors.New("calibration stage was not produced by the preceding stage")

// Options tune how the stages estimate and select.
type Options struct {
	// MinSamples is the smallest window either estimator accepts. Zero
	// means estimate.DefaultMinSamples.
	MinSamples int
	// RobustSpeed gates speed deltas on the noise estimate.
	RobustSpeed bool
	// MatchJitter restricts the grid to the jitter level nearest the
	// largest per-axis noise std dev.
	MatchJitter bool
	// Clock stamps results. Nil means the wall clock.
	Clock timeutil.Clock
}

// Result is a completed calibration: the winning candidate, its scores and
// the estimates it was derived from.
type Result struct {
	ID         string                 `json:"id"`
	Label      string                 `json:"label,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Candidate  grid.Candidate         `json:"candidate"`
	Precision  float64                `json:"precision"`
	LagSeconds float64                `json:"lag_seconds"`
	Score      scorer.Score           `json:"score"`
	Noise      estimate.NoiseEstimate `json:"noise"`
	Speed      estimate.SpeedEstimate `json:"speed"`
	Objective  string                 `json:"objective"`
	Criterion  search.Criterion       `json:"criterion"`
	SampleRate float64                `json:"sample_rate_hz"`
	Seed       uint64                 `json:"seed"`
	Evaluated  int                    `json:"evaluated"`
	Feasible   int                    `json:"feasible"`
	// Evaluations holds every scored candidate in grid order.
	Evaluations []search.Evaluation `json:"evaluations,omitempty"`
}

// Calibration is the entry stage: a recorded signal and the run options.
type Calibration struct {
	sampler *signal.Sampler
	opts    Options
}

// New starts a calibration over s.
func New(s *signal.Sampler, opts Options) (*Calibration, error) {
	if s == nil {
		return nil, errors.New("calibration needs a sampler")
	}
	if opts.MinSamples == 0 {
		opts.MinSamples = estimate.DefaultMinSamples
	}
	if opts.MinSamples < estimate.MinSamplesFloor {
		return nil, fmt.Errorf("min samples must be at least %d, got %d", estimate.MinSamplesFloor, opts.MinSamples)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Calibration{sampler: s, opts: opts}, nil
}

// EstimateNoise measures noise over the stationary samples [start, end).
func (c *Calibration) EstimateNoise(start, end int) (*NoiseStage, error) {
	if c == nil || c.sampler == nil {
		return nil, errDetachedStage
	}
	w, err := c.sampler.Window(start, end)
	if err != nil {
		return nil, fmt.Errorf("stationary window: %w", err)
	}
	noise, err := estimate.Noise(w, c.opts.MinSamples)
	if err != nil {
		return nil, fmt.Errorf("noise estimate: %w", err)
	}
	monitoring.Logf("calibrate: noise over [%d,%d) std=%.5g mean=%.5g", start, end, noise.StdDev, noise.Mean)
	return &NoiseStage{cal: c, noise: noise}, nil
}

// NoiseStage holds a completed noise estimate.
type NoiseStage struct {
	cal   *Calibration
	noise estimate.NoiseEstimate
}

// Noise returns the estimate.
func (n *NoiseStage) Noise() estimate.NoiseEstimate { return n.noise }

// EstimateSpeed measures the rate of change over the dynamic samples
// [start, end).
func (n *NoiseStage) EstimateSpeed(start, end int) (*SpeedStage, error) {
	if n == nil || n.cal == nil {
		return nil, errDetachedStage
	}
	c := n.cal
	w, err := c.sampler.Window(start, end)
	if err != nil {
		return nil, fmt.Errorf("dynamic window: %w", err)
	}
	var speed estimate.SpeedEstimate
	if c.opts.RobustSpeed {
		speed, err = estimate.RobustSpeed(c.sampler, w, n.noise, c.opts.MinSamples)
	} else {
		speed, err = estimate.Speed(c.sampler, w, c.opts.MinSamples)
	}
	if err != nil {
		return nil, fmt.Errorf("speed estimate: %w", err)
	}
	monitoring.Logf("calibrate: speed over [%d,%d) rate=%.5g/s (robust=%t)", start, end, speed.Rate, c.opts.RobustSpeed)
	return &SpeedStage{cal: c, noise: n.noise, speed: speed}, nil
}

// SpeedStage holds both estimates.
type SpeedStage struct {
	cal   *Calibration
	noise estimate.NoiseEstimate
	speed estimate.SpeedEstimate
}

// Noise returns the noise estimate.
func (s *SpeedStage) Noise() estimate.NoiseEstimate { return s.noise }

// Speed returns the speed estimate.
func (s *SpeedStage) Speed() estimate.SpeedEstimate { return s.speed }

// Synthesize generates the scoring traces from both estimates.
func (s *SpeedStage) Synthesize(cfg synth.Config) (*TraceStage, error) {
	if s == nil || s.cal == nil {
		return nil, errDetachedStage
	}
	tr, err := synth.Generate(cfg, s.noise, s.speed)
	if err != nil {
		return nil, fmt.Errorf("synthesize traces: %w", err)
	}
	monitoring.Debugf("calibrate: %d jitter and %d edge samples at %g Hz (seed %d)",
		len(tr.Jitter), len(tr.Edge), tr.SampleRate, tr.Seed)
	return &TraceStage{cal: s.cal, noise: s.noise, speed: s.speed, traces: tr}, nil
}

// TraceStage holds the estimates and the traces generated from them.
type TraceStage struct {
	cal    *Calibration
	noise  estimate.NoiseEstimate
	speed  estimate.SpeedEstimate
	traces synth.Traces
}

// Traces returns the generated traces.
func (t *TraceStage) Traces() synth.Traces { return t.traces }

// Optimize searches g under crit and returns the completed calibration.
func (t *TraceStage) Optimize(ctx context.Context, g *grid.Grid, crit search.Criterion, opt *search.Optimizer) (*Result, error) {
	if t == nil || t.cal == nil {
		return nil, errDetachedStage
	}
	if opt == nil {
		return nil, errors.New("calibration needs an optimizer")
	}
	if g != nil && t.cal.opts.MatchJitter {
		level := t.noise.StdDev.Max()
		g = g.NearestJitter(level)
		monitoring.Logf("calibrate: matched jitter band for noise %.5g, %d candidates", level, g.Len())
	}

	res, err := opt.Search(ctx, g, t.traces, crit)
	if err != nil {
		return nil, err
	}

	feasible := 0
	for _, e := range res.Evaluations {
		if e.Feasible {
			feasible++
		}
	}
	best := res.Best
	return &Result{
		ID:          uuid.NewString(),
		CreatedAt:   t.cal.opts.Clock.Now().UTC(),
		Candidate:   best.Candidate,
		Precision:   best.Score.Precision,
		LagSeconds:  best.Score.LagSeconds,
		Score:       best.Score,
		Noise:       t.noise,
		Speed:       t.speed,
		Objective:   res.Objective,
		Criterion:   crit,
		SampleRate:  t.traces.SampleRate,
		Seed:        t.traces.Seed,
		Evaluated:   len(res.Evaluations),
		Feasible:    feasible,
		Evaluations: res.Evaluations,
	}, nil
}
