package scorer_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/filtercal/internal/estimate"
	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/synth"
)

// ema uses the candidate's Cutoff directly as the smoothing factor, so
// Cutoff 1 passes samples through unchanged.
type ema struct {
	x      signal.Vec3
	primed bool
	resets int
}

func (f *ema) Reset() {
	f.x = signal.Vec3{}
	f.primed = false
	f.resets++
}

func (f *ema) Step(raw signal.Vec3, p grid.Candidate) signal.Vec3 {
	if !f.primed {
		f.x, f.primed = raw, true
		return f.x
	}
	for i := range raw {
		f.x[i] += p.Cutoff * (raw[i] - f.x[i])
	}
	return f.x
}

// frozen ignores its input after the first sample.
type frozen struct {
	x      signal.Vec3
	primed bool
}

func (f *frozen) Reset() { f.primed = false }

func (f *frozen) Step(raw signal.Vec3, _ grid.Candidate) signal.Vec3 {
	if !f.primed {
		f.x, f.primed = raw, true
	}
	return f.x
}

func traces(t *testing.T, sigma, rate float64) synth.Traces {
	t.Helper()
	cfg := synth.DefaultConfig()
	cfg.JitterSamples = 2000
	noise := estimate.NoiseEstimate{
		StdDev: signal.Vec3{sigma, sigma, sigma},
		Mean:   signal.Vec3{0, 9.81, 0},
	}
	speed := estimate.SpeedEstimate{Rate: signal.Vec3{rate, rate, rate}}
	tr, err := synth.Generate(cfg, noise, speed)
	require.NoError(t, err)
	return tr
}

func newScorer(t *testing.T, cfg scorer.Config) *scorer.Scorer {
	t.Helper()
	s, err := scorer.New(cfg)
	require.NoError(t, err)
	return s
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  scorer.Config
		ok   bool
	}{
		{"default", scorer.DefaultConfig(), true},
		{"full step", scorer.Config{Threshold: 1}, true},
		{"zero threshold", scorer.Config{Threshold: 0}, false},
		{"above one", scorer.Config{Threshold: 1.5}, false},
		{"nan", scorer.Config{Threshold: math.NaN()}, false},
		{"negative warmup", scorer.Config{Threshold: 0.9, WarmupSamples: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := scorer.New(tt.cfg)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.cfg, s.Config())
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestPassThroughHasNoLag(t *testing.T) {
	s := newScorer(t, scorer.DefaultConfig())
	tr := traces(t, 0.1, 5)

	sc := s.Score(&ema{}, grid.Candidate{Cutoff: 1}, tr)
	assert.Equal(t, 0, sc.LagSamples)
	assert.Equal(t, 0.0, sc.LagSeconds)
	assert.True(t, sc.Settled)
	// the jitter trace is rescaled to exactly sigma
	assert.InDelta(t, 0.1, sc.Precision, 1e-9)
	for a := 0; a < signal.Axes; a++ {
		assert.InDelta(t, 0.1, sc.AxisPrecision[a], 1e-9)
	}
}

func TestSmoothingTradesLagForPrecision(t *testing.T) {
	s := newScorer(t, scorer.DefaultConfig())
	tr := traces(t, 0.1, 5)

	light := s.Score(&ema{}, grid.Candidate{Cutoff: 0.2}, tr)
	heavy := s.Score(&ema{}, grid.Candidate{Cutoff: 0.05}, tr)

	assert.Less(t, heavy.Precision, light.Precision)
	assert.Greater(t, heavy.LagSamples, light.LagSamples)

	// an EMA with factor k reaches 90% of a step after ceil(log 0.1 / log(1-k)) samples
	want := int(math.Ceil(math.Log(0.1)/math.Log(0.8))) - 1
	assert.Equal(t, want, light.LagSamples)
	assert.InDelta(t, float64(light.LagSamples)/60, light.LagSeconds, 1e-12)

	// residual std of an EMA on white noise is sigma*sqrt(k/(2-k))
	assert.InDelta(t, 0.1*math.Sqrt(0.2/1.8), light.Precision, 0.01)
}

func TestUnsettledLagIsRemainingTrace(t *testing.T) {
	s := newScorer(t, scorer.DefaultConfig())
	tr := traces(t, 0.1, 5)

	sc := s.Score(&frozen{}, grid.Candidate{}, tr)
	assert.False(t, sc.Settled)
	assert.Equal(t, len(tr.Edge)-tr.EdgeStart, sc.LagSamples)
	assert.Equal(t, 0.0, sc.Precision)
}

func TestStaticAxisReportsZeroLag(t *testing.T) {
	s := newScorer(t, scorer.DefaultConfig())
	cfg := synth.DefaultConfig()
	tr, err := synth.Generate(cfg,
		estimate.NoiseEstimate{StdDev: signal.Vec3{0.1, 0.1, 0.1}},
		estimate.SpeedEstimate{Rate: signal.Vec3{0, 6, 0}})
	require.NoError(t, err)

	sc := s.Score(&ema{}, grid.Candidate{Cutoff: 0.2}, tr)
	assert.Equal(t, 0, sc.AxisLag[0])
	assert.Equal(t, 0, sc.AxisLag[2])
	assert.Greater(t, sc.AxisLag[1], 0)
	assert.Equal(t, sc.AxisLag[1], sc.LagSamples)
}

func TestNegativeEdge(t *testing.T) {
	s := newScorer(t, scorer.DefaultConfig())
	tr, err := synth.Generate(synth.DefaultConfig(),
		estimate.NoiseEstimate{StdDev: signal.Vec3{0.1, 0.1, 0.1}},
		estimate.SpeedEstimate{Rate: signal.Vec3{-6, -6, -6}})
	require.NoError(t, err)

	up := traces(t, 0.1, 6)
	c := grid.Candidate{Cutoff: 0.2}
	assert.Equal(t, s.Score(&ema{}, c, up).LagSamples, s.Score(&ema{}, c, tr).LagSamples)
}

func TestScoreResetsFilterPerTrace(t *testing.T) {
	s := newScorer(t, scorer.DefaultConfig())
	tr := traces(t, 0.1, 5)
	f := &ema{}
	c := grid.Candidate{Cutoff: 0.2}

	first := s.Score(f, c, tr)
	assert.Equal(t, 2, f.resets)
	second := s.Score(f, c, tr)
	assert.Equal(t, first, second)
}

func TestWarmupDropsTransient(t *testing.T) {
	tr := traces(t, 0.1, 5)
	// offset the jitter trace so the filter starts far from its mean
	tr.Jitter[0] = signal.Vec3{50, 50, 50}

	c := grid.Candidate{Cutoff: 0.05}
	cold := newScorer(t, scorer.Config{Threshold: 0.9}).Score(&ema{}, c, tr)
	warm := newScorer(t, scorer.Config{Threshold: 0.9, WarmupSamples: 300}).Score(&ema{}, c, tr)
	assert.Less(t, warm.Precision, cold.Precision)
}
