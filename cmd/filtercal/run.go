package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/filtercal/internal/calibrate"
	"github.com/banshee-data/filtercal/internal/config"
	"github.com/banshee-data/filtercal/internal/filter"
	"github.com/banshee-data/filtercal/internal/fsutil"
	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/ingest"
	"github.com/banshee-data/filtercal/internal/monitoring"
	"github.com/banshee-data/filtercal/internal/report"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/search"
	"github.com/banshee-data/filtercal/internal/security"
	sig "github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/store"
	"github.com/banshee-data/filtercal/internal/synth"
)

// runOptions is the parsed form of the run command's flags.
type runOptions struct {
	ConfigPath     string
	Input          string
	SerialDevice   string
	BaudRate       int
	Samples        int
	CaptureTimeout time.Duration
	Stationary     [2]int
	Dynamic        [2]int
	GridPath       string
	JitterRange    string
	CutoffRange    string
	BetaRange      string
	Filter         string
	Objective      string
	MaxPrecision   float64
	MaxLag         float64
	DBPath         string
	Label          string
	PlotPath       string
	PlotAxis       int
	HTMLPath       string
	ReportDir      string
	Evaluations    bool
	Debug          bool
}

func parseRunFlags(args []string) (runOptions, error) {
	var o runOptions
	var stationary, dynamic string

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&o.ConfigPath, "config", "", "Calibration config JSON (default: built-in defaults file)")
	fs.StringVar(&o.Input, "input", "", "CSV recording with t,x,y,z columns")
	fs.StringVar(&o.SerialDevice, "serial", "", "Serial device to capture from")
	fs.IntVar(&o.BaudRate, "baud", 115200, "Serial baud rate")
	fs.IntVar(&o.Samples, "samples", 0, "Samples to capture from the serial device")
	fs.DurationVar(&o.CaptureTimeout, "capture-timeout", 2*time.Minute, "Give up on a serial capture after this long")
	fs.StringVar(&stationary, "stationary", "", "Stationary sample range start:end")
	fs.StringVar(&dynamic, "dynamic", "", "Dynamic sample range start:end")
	fs.StringVar(&o.GridPath, "grid", "", "Parameter grid file (.json or .csv)")
	fs.StringVar(&o.JitterRange, "jitter", "", "Jitter range start:end:step (with --cutoff, replaces --grid)")
	fs.StringVar(&o.CutoffRange, "cutoff", "", "Cutoff range start:end:step")
	fs.StringVar(&o.BetaRange, "beta", "", "Beta range start:end:step")
	fs.StringVar(&o.Filter, "filter", "oneeuro", "Filter to calibrate: oneeuro or exponential")
	fs.StringVar(&o.Objective, "objective", "", "Search objective (overrides config)")
	fs.Float64Var(&o.MaxPrecision, "max-precision", 0, "Reject candidates whose precision is not below this (overrides config)")
	fs.Float64Var(&o.MaxLag, "max-lag", 0, "Reject candidates whose lag in seconds is not below this (overrides config)")
	fs.StringVar(&o.DBPath, "db", "", "Store the run in this sqlite database")
	fs.StringVar(&o.Label, "label", "", "Label stored with the run")
	fs.StringVar(&o.PlotPath, "plot", "", "Write the winner's edge response PNG here")
	fs.IntVar(&o.PlotAxis, "plot-axis", 0, "Axis (0-2) drawn in the edge response")
	fs.StringVar(&o.HTMLPath, "html", "", "Write the candidate scatter HTML here")
	fs.StringVar(&o.ReportDir, "report-dir", "", "Write both reports here, named after the run label or ID")
	fs.BoolVar(&o.Evaluations, "evaluations", false, "Include every candidate evaluation in the JSON output")
	fs.BoolVar(&o.Debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if (o.Input == "") == (o.SerialDevice == "") {
		return o, errors.New("exactly one of --input or --serial is required")
	}
	if o.SerialDevice != "" && o.Samples <= 0 {
		return o, errors.New("--samples is required with --serial")
	}
	var err error
	if o.Stationary, err = parseWindow(stationary); err != nil {
		return o, fmt.Errorf("--stationary: %w", err)
	}
	if o.Dynamic, err = parseWindow(dynamic); err != nil {
		return o, fmt.Errorf("--dynamic: %w", err)
	}
	if o.CutoffRange == "" && (o.JitterRange != "" || o.BetaRange != "") {
		return o, errors.New("--jitter and --beta require --cutoff")
	}
	if o.Filter != "oneeuro" && o.Filter != "exponential" {
		return o, fmt.Errorf("unknown filter %q", o.Filter)
	}
	if o.PlotAxis < 0 || o.PlotAxis >= sig.Axes {
		return o, fmt.Errorf("--plot-axis must be between 0 and %d", sig.Axes-1)
	}
	for _, path := range []string{o.DBPath, o.PlotPath, o.HTMLPath, o.ReportDir} {
		if path == "" {
			continue
		}
		if err := security.ValidateOutputPath(path); err != nil {
			return o, err
		}
	}
	return o, nil
}

// parseWindow parses a half-open "start:end" sample range.
func parseWindow(s string) ([2]int, error) {
	var w [2]int
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return w, fmt.Errorf("window %q must be start:end", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return w, fmt.Errorf("window %q: %w", s, err)
		}
		w[i] = v
	}
	if w[0] < 0 || w[1] <= w[0] {
		return w, fmt.Errorf("window %q must satisfy 0 <= start < end", s)
	}
	return w, nil
}

func loadConfig(path string) (*config.CalibrationConfig, error) {
	if path == "" {
		return config.MustLoadDefaultConfig(), nil
	}
	return config.LoadCalibrationConfig(path)
}

// applyOverrides folds flag overrides into cfg.
func applyOverrides(cfg *config.CalibrationConfig, o runOptions) error {
	if o.Objective != "" {
		v := o.Objective
		cfg.Objective = &v
	}
	if o.MaxPrecision > 0 {
		v := o.MaxPrecision
		cfg.MaxPrecision = &v
	}
	if o.MaxLag > 0 {
		v := o.MaxLag
		cfg.MaxLagSeconds = &v
	}
	return cfg.Validate()
}

func loadGrid(o runOptions, sampleRate float64) (*grid.Grid, error) {
	switch {
	case o.CutoffRange != "":
		return grid.FromRanges(sampleRate, o.JitterRange, o.CutoffRange, o.BetaRange)
	case o.GridPath != "":
		return grid.Load(o.GridPath)
	default:
		return grid.Default60Hz(), nil
	}
}

func filterFactory(name string, cfg *config.CalibrationConfig) func() scorer.Filter {
	rate := cfg.GetSampleRateHz()
	if name == "exponential" {
		return func() scorer.Filter { return filter.NewExponential(rate) }
	}
	cutoff := cfg.GetDerivativeCutoffHz()
	return func() scorer.Filter { return filter.NewOneEuro(rate, cutoff) }
}

func readSamples(ctx context.Context, o runOptions) ([]sig.Sample, error) {
	if o.Input != "" {
		return ingest.LoadCSV(o.Input)
	}
	ctx, cancel := context.WithTimeout(ctx, o.CaptureTimeout)
	defer cancel()
	log.Printf("capturing %d samples from %s", o.Samples, o.SerialDevice)
	return ingest.CaptureFromPort(ctx, o.SerialDevice, ingest.PortOptions{BaudRate: o.BaudRate}, o.Samples)
}

// runOutput is a completed run plus what the reports need to redraw it.
type runOutput struct {
	Result    *calibrate.Result
	Traces    synth.Traces
	NewFilter func() scorer.Filter
	Threshold float64
}

// runCalibration executes every stage in order.
func runCalibration(ctx context.Context, o runOptions) (*runOutput, error) {
	cfg, err := loadConfig(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := applyOverrides(cfg, o); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	samples, err := readSamples(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("reading samples: %w", err)
	}
	sampler, err := sig.NewSampler(samples)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d samples", sampler.Len())

	g, err := loadGrid(o, cfg.GetSampleRateHz())
	if err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}

	scorerCfg := cfg.ScorerConfig()
	sc, err := scorer.New(scorerCfg)
	if err != nil {
		return nil, err
	}
	newFilter := filterFactory(o.Filter, cfg)
	opt := search.NewOptimizer(sc, newFilter)
	opt.Workers = cfg.GetWorkers()

	cal, err := calibrate.New(sampler, calibrate.Options{
		MinSamples:  cfg.GetMinSamples(),
		RobustSpeed: cfg.GetRobustSpeed(),
		MatchJitter: cfg.GetMatchJitter(),
	})
	if err != nil {
		return nil, err
	}
	noise, err := cal.EstimateNoise(o.Stationary[0], o.Stationary[1])
	if err != nil {
		return nil, err
	}
	speed, err := noise.EstimateSpeed(o.Dynamic[0], o.Dynamic[1])
	if err != nil {
		return nil, err
	}
	traces, err := speed.Synthesize(cfg.SynthConfig())
	if err != nil {
		return nil, err
	}
	res, err := traces.Optimize(ctx, g, cfg.Criterion(), opt)
	if err != nil {
		return nil, err
	}
	res.Label = o.Label
	return &runOutput{
		Result:    res,
		Traces:    traces.Traces(),
		NewFilter: newFilter,
		Threshold: scorerCfg.Threshold,
	}, nil
}

func handleRun(args []string, out io.Writer) error {
	o, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	monitoring.SetDebug(o.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := runCalibration(ctx, o)
	if err != nil {
		return err
	}
	res := run.Result
	log.Printf("selected %s: precision=%.5g lag=%.4fs (%d of %d candidates feasible)",
		res.Candidate, res.Precision, res.LagSeconds, res.Feasible, res.Evaluated)

	if o.DBPath != "" {
		if err := saveRun(o.DBPath, res); err != nil {
			return err
		}
		log.Printf("stored run %s in %s", res.ID, o.DBPath)
	}
	if err := writeReports(fsutil.OSFileSystem{}, o, run); err != nil {
		return err
	}

	if !o.Evaluations {
		res.Evaluations = nil
	}
	return writeJSON(out, res)
}

// reportPaths resolves where the edge plot and candidate scatter go. Explicit
// paths win over --report-dir.
func reportPaths(o runOptions, res *calibrate.Result) (plotPath, htmlPath string) {
	plotPath, htmlPath = o.PlotPath, o.HTMLPath
	if o.ReportDir == "" {
		return plotPath, htmlPath
	}
	name := res.Label
	if name == "" {
		name = res.ID
	}
	stem := filepath.Join(o.ReportDir, security.SanitizeFilename(name))
	if plotPath == "" {
		plotPath = stem + "_edge.png"
	}
	if htmlPath == "" {
		htmlPath = stem + "_candidates.html"
	}
	return plotPath, htmlPath
}

func writeReports(fsys fsutil.FileSystem, o runOptions, run *runOutput) error {
	res := run.Result
	plotPath, htmlPath := reportPaths(o, res)
	if plotPath != "" {
		if err := report.SaveEdgePNG(fsys, plotPath, run.Traces, run.NewFilter(), res.Candidate, o.PlotAxis, run.Threshold); err != nil {
			return fmt.Errorf("edge plot: %w", err)
		}
		log.Printf("wrote %s", plotPath)
	}
	if htmlPath != "" {
		if err := report.SaveCandidateScatter(fsys, htmlPath, res); err != nil {
			return fmt.Errorf("candidate scatter: %w", err)
		}
		log.Printf("wrote %s", htmlPath)
	}
	return nil
}

func saveRun(path string, res *calibrate.Result) error {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.SaveResult(res)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func handleObjectives(w io.Writer) {
	for _, info := range search.DefaultObjectiveRegistry().List() {
		fmt.Fprintf(w, "%-14s %s  %s\n", info.Name, info.Version, info.Description)
	}
}
