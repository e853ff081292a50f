package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/filtercal/internal/estimate"
	"github.com/banshee-data/filtercal/internal/filter"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/search"
	"github.com/banshee-data/filtercal/internal/synth"
)

// DefaultConfigPath is the path to the canonical calibration defaults file.
const DefaultConfigPath = "config/calibration.defaults.json"

// CalibrationConfig holds every tunable of a calibration run. Unset fields
// fall back to the defaults returned by the Get* accessors, so partial
// files are safe.
type CalibrationConfig struct {
	// Sampling
	SampleRateHz *float64 `json:"sample_rate_hz,omitempty"`
	MinSamples   *int     `json:"min_samples,omitempty"`

	// Synthetic traces
	Seed            *uint64 `json:"seed,omitempty"`
	JitterSamples   *int    `json:"jitter_samples,omitempty"`
	EdgeLeadSamples *int    `json:"edge_lead_samples,omitempty"`
	EdgeHoldSamples *int    `json:"edge_hold_samples,omitempty"`
	RampSamples     *int    `json:"ramp_samples,omitempty"`

	// Scoring
	LagThreshold  *float64 `json:"lag_threshold,omitempty"`
	WarmupSamples *int     `json:"warmup_samples,omitempty"`

	// Search
	Workers         *int     `json:"workers,omitempty"`
	Objective       *string  `json:"objective,omitempty"`
	PrecisionWeight *float64 `json:"precision_weight,omitempty"`
	LagWeight       *float64 `json:"lag_weight,omitempty"`
	MaxPrecision    *float64 `json:"max_precision,omitempty"`
	MaxLagSeconds   *float64 `json:"max_lag_seconds,omitempty"`

	// Stage options
	RobustSpeed        *bool    `json:"robust_speed,omitempty"`
	MatchJitter        *bool    `json:"match_jitter,omitempty"`
	DerivativeCutoffHz *float64 `json:"derivative_cutoff_hz,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptyCalibrationConfig returns a CalibrationConfig with all fields nil.
func EmptyCalibrationConfig() *CalibrationConfig {
	return &CalibrationConfig{}
}

// DefaultCalibrationConfig returns a config with every field populated from
// the Get* defaults.
func DefaultCalibrationConfig() *CalibrationConfig {
	e := EmptyCalibrationConfig()
	return &CalibrationConfig{
		SampleRateHz:       ptrFloat64(e.GetSampleRateHz()),
		MinSamples:         ptrInt(e.GetMinSamples()),
		Seed:               ptrUint64(e.GetSeed()),
		JitterSamples:      ptrInt(e.GetJitterSamples()),
		EdgeLeadSamples:    ptrInt(e.GetEdgeLeadSamples()),
		EdgeHoldSamples:    ptrInt(e.GetEdgeHoldSamples()),
		RampSamples:        ptrInt(e.GetRampSamples()),
		LagThreshold:       ptrFloat64(e.GetLagThreshold()),
		WarmupSamples:      ptrInt(e.GetWarmupSamples()),
		Workers:            ptrInt(e.GetWorkers()),
		Objective:          ptrString(e.GetObjective()),
		PrecisionWeight:    ptrFloat64(e.GetPrecisionWeight()),
		LagWeight:          ptrFloat64(e.GetLagWeight()),
		RobustSpeed:        ptrBool(e.GetRobustSpeed()),
		MatchJitter:        ptrBool(e.GetMatchJitter()),
		DerivativeCutoffHz: ptrFloat64(e.GetDerivativeCutoffHz()),
	}
}

// LoadCalibrationConfig loads a CalibrationConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadCalibrationConfig(path string) (*CalibrationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCalibrationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *CalibrationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/filtercal/
	}
	for _, path := range candidates {
		if cfg, err := LoadCalibrationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the set values are usable.
func (c *CalibrationConfig) Validate() error {
	if c.SampleRateHz != nil && !(*c.SampleRateHz > 0) {
		return fmt.Errorf("sample_rate_hz must be positive, got %g", *c.SampleRateHz)
	}
	if c.MinSamples != nil && *c.MinSamples < estimate.MinSamplesFloor {
		return fmt.Errorf("min_samples must be at least %d, got %d", estimate.MinSamplesFloor, *c.MinSamples)
	}
	if c.JitterSamples != nil && *c.JitterSamples < 2 {
		return fmt.Errorf("jitter_samples must be at least 2, got %d", *c.JitterSamples)
	}
	for _, f := range []struct {
		name string
		v    *int
	}{
		{"edge_lead_samples", c.EdgeLeadSamples},
		{"ramp_samples", c.RampSamples},
		{"edge_hold_samples", c.EdgeHoldSamples},
	} {
		if f.v != nil && *f.v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", f.name, *f.v)
		}
	}
	if c.LagThreshold != nil && !(*c.LagThreshold > 0 && *c.LagThreshold <= 1) {
		return fmt.Errorf("lag_threshold must be in (0, 1], got %g", *c.LagThreshold)
	}
	if c.WarmupSamples != nil && *c.WarmupSamples < 0 {
		return fmt.Errorf("warmup_samples must be non-negative, got %d", *c.WarmupSamples)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.Objective != nil {
		if _, ok := search.DefaultObjectiveRegistry().Get(*c.Objective); !ok {
			return fmt.Errorf("unknown objective %q", *c.Objective)
		}
	}
	if c.DerivativeCutoffHz != nil && !(*c.DerivativeCutoffHz > 0) {
		return fmt.Errorf("derivative_cutoff_hz must be positive, got %g", *c.DerivativeCutoffHz)
	}
	return c.Criterion().Validate()
}

// GetSampleRateHz returns the sample_rate_hz value or the default.
func (c *CalibrationConfig) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return 60
	}
	return *c.SampleRateHz
}

// GetMinSamples returns the min_samples value or the default.
func (c *CalibrationConfig) GetMinSamples() int {
	if c.MinSamples == nil {
		return estimate.DefaultMinSamples
	}
	return *c.MinSamples
}

// GetSeed returns the seed value or the default.
func (c *CalibrationConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 1
	}
	return *c.Seed
}

// GetJitterSamples returns the jitter_samples value or the default.
func (c *CalibrationConfig) GetJitterSamples() int {
	if c.JitterSamples == nil {
		return 600
	}
	return *c.JitterSamples
}

// GetEdgeLeadSamples returns the edge_lead_samples value or the default.
func (c *CalibrationConfig) GetEdgeLeadSamples() int {
	if c.EdgeLeadSamples == nil {
		return 30
	}
	return *c.EdgeLeadSamples
}

// GetEdgeHoldSamples returns the edge_hold_samples value or the default.
func (c *CalibrationConfig) GetEdgeHoldSamples() int {
	if c.EdgeHoldSamples == nil {
		return 240
	}
	return *c.EdgeHoldSamples
}

// GetRampSamples returns the ramp_samples value or the default.
func (c *CalibrationConfig) GetRampSamples() int {
	if c.RampSamples == nil {
		return 1
	}
	return *c.RampSamples
}

// GetLagThreshold returns the lag_threshold value or the default.
func (c *CalibrationConfig) GetLagThreshold() float64 {
	if c.LagThreshold == nil {
		return 0.9
	}
	return *c.LagThreshold
}

// GetWarmupSamples returns the warmup_samples value or the default.
func (c *CalibrationConfig) GetWarmupSamples() int {
	if c.WarmupSamples == nil {
		return 0
	}
	return *c.WarmupSamples
}

// GetWorkers returns the workers value or the default (0, one per CPU).
func (c *CalibrationConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetObjective returns the objective value or the default.
func (c *CalibrationConfig) GetObjective() string {
	if c.Objective == nil {
		return search.ObjectiveWeighted
	}
	return *c.Objective
}

// GetPrecisionWeight returns the precision_weight value or the default.
func (c *CalibrationConfig) GetPrecisionWeight() float64 {
	if c.PrecisionWeight == nil {
		return 1
	}
	return *c.PrecisionWeight
}

// GetLagWeight returns the lag_weight value or the default.
func (c *CalibrationConfig) GetLagWeight() float64 {
	if c.LagWeight == nil {
		return 1
	}
	return *c.LagWeight
}

// GetRobustSpeed returns the robust_speed value or the default.
func (c *CalibrationConfig) GetRobustSpeed() bool {
	if c.RobustSpeed == nil {
		return false
	}
	return *c.RobustSpeed
}

// GetMatchJitter returns the match_jitter value or the default.
func (c *CalibrationConfig) GetMatchJitter() bool {
	if c.MatchJitter == nil {
		return false
	}
	return *c.MatchJitter
}

// GetDerivativeCutoffHz returns the derivative_cutoff_hz value or the default.
func (c *CalibrationConfig) GetDerivativeCutoffHz() float64 {
	if c.DerivativeCutoffHz == nil {
		return filter.DefaultDerivativeCutoff
	}
	return *c.DerivativeCutoffHz
}

// SynthConfig returns the trace generator settings.
func (c *CalibrationConfig) SynthConfig() synth.Config {
	return synth.Config{
		SampleRate:    c.GetSampleRateHz(),
		JitterSamples: c.GetJitterSamples(),
		LeadSamples:   c.GetEdgeLeadSamples(),
		RampSamples:   c.GetRampSamples(),
		HoldSamples:   c.GetEdgeHoldSamples(),
		Seed:          c.GetSeed(),
	}
}

// ScorerConfig returns the scoring policy.
func (c *CalibrationConfig) ScorerConfig() scorer.Config {
	return scorer.Config{
		Threshold:     c.GetLagThreshold(),
		WarmupSamples: c.GetWarmupSamples(),
	}
}

// Criterion returns the search criterion. Unset thresholds stay nil.
func (c *CalibrationConfig) Criterion() search.Criterion {
	crit := search.Criterion{
		Objective: c.GetObjective(),
		Weights: search.ObjectiveWeights{
			Precision: c.GetPrecisionWeight(),
			Lag:       c.GetLagWeight(),
		},
	}
	if c.MaxPrecision != nil {
		crit.MaxPrecision = ptrFloat64(*c.MaxPrecision)
	}
	if c.MaxLagSeconds != nil {
		crit.MaxLagSeconds = ptrFloat64(*c.MaxLagSeconds)
	}
	return crit
}
