// Package synth builds the synthetic fixtures every filter candidate is
// scored against: a near-static jitter trace carrying the measured noise and
// an edge trace stepping between two baselines at the measured speed.
package synth

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/filtercal/internal/estimate"
	"github.com/banshee-data/filtercal/internal/signal"
)

// Config controls trace shape. SampleRate must match the rate the parameter
// grid was generated for.
type Config struct {
	SampleRate    float64 `json:"sample_rate_hz"`
	JitterSamples int     `json:"jitter_samples"`
	LeadSamples   int     `json:"lead_samples"`
	RampSamples   int     `json:"ramp_samples"`
	HoldSamples   int     `json:"hold_samples"`
	Seed          uint64  `json:"seed"`
}

// DefaultConfig returns a 60 Hz configuration: ten seconds of jitter and a
// single-sample step with half a second of lead-in and four seconds of hold.
func DefaultConfig() Config {
	return Config{
		SampleRate:    60,
		JitterSamples: 600,
		LeadSamples:   30,
		RampSamples:   1,
		HoldSamples:   240,
		Seed:          1,
	}
}

// Validate reports configurations that cannot produce usable traces.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %g", c.SampleRate)
	}
	if c.JitterSamples < 2 {
		return fmt.Errorf("jitter trace needs at least 2 samples, got %d", c.JitterSamples)
	}
	if c.LeadSamples < 1 {
		return fmt.Errorf("edge lead-in needs at least 1 sample, got %d", c.LeadSamples)
	}
	if c.RampSamples < 1 {
		return fmt.Errorf("edge ramp needs at least 1 sample, got %d", c.RampSamples)
	}
	if c.HoldSamples < 1 {
		return fmt.Errorf("edge hold needs at least 1 sample, got %d", c.HoldSamples)
	}
	return nil
}

// Traces is the scoring fixture for one calibration run. Every slice holds
// one three-axis value per sample at SampleRate.
type Traces struct {
	Jitter    []signal.Vec3 `json:"jitter"`
	Edge      []signal.Vec3 `json:"edge"`
	Baseline  signal.Vec3   `json:"baseline"`
	Amplitude signal.Vec3   `json:"amplitude"`
	// EdgeStart is the index of the first sample that leaves the baseline.
	EdgeStart  int     `json:"edge_start"`
	SampleRate float64 `json:"sample_rate_hz"`
	Seed       uint64  `json:"seed"`
}

// Generate builds both traces. Identical estimates and Config always yield
// identical traces.
func Generate(cfg Config, noise estimate.NoiseEstimate, speed estimate.SpeedEstimate) (Traces, error) {
	if err := cfg.Validate(); err != nil {
		return Traces{}, err
	}
	tr := Traces{
		Jitter:     make([]signal.Vec3, cfg.JitterSamples),
		Baseline:   noise.Mean,
		EdgeStart:  cfg.LeadSamples,
		SampleRate: cfg.SampleRate,
		Seed:       cfg.Seed,
	}

	for axis := 0; axis < signal.Axes; axis++ {
		unit := standardNormal(cfg.JitterSamples, cfg.Seed, uint64(axis))
		for i, z := range unit {
			tr.Jitter[i][axis] = noise.Mean[axis] + noise.StdDev[axis]*z
		}
	}

	// per-sample increment never exceeds the measured rate
	step := speed.Rate.Scale(1 / cfg.SampleRate)
	tr.Amplitude = step.Scale(float64(cfg.RampSamples))
	total := cfg.LeadSamples + cfg.RampSamples + cfg.HoldSamples
	tr.Edge = make([]signal.Vec3, total)
	for i := range tr.Edge {
		k := i - cfg.LeadSamples + 1
		switch {
		case k <= 0:
			k = 0
		case k > cfg.RampSamples:
			k = cfg.RampSamples
		}
		for axis := 0; axis < signal.Axes; axis++ {
			tr.Edge[i][axis] = noise.Mean[axis] + step[axis]*float64(k)
		}
	}
	return tr, nil
}

// standardNormal draws n values from a seeded stream and rescales them to
// exactly zero sample mean and unit sample standard deviation, so the jitter
// trace carries the estimated dispersion rather than an approximation of it.
func standardNormal(n int, seed, stream uint64) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, stream)}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand()
	}
	mean, std := stat.MeanStdDev(out, nil)
	if std == 0 {
		return make([]float64, n)
	}
	for i := range out {
		out[i] = (out[i] - mean) / std
	}
	return out
}
