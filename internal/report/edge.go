// Package report renders calibration results as charts: a PNG of the
// winning candidate's edge response and an HTML scatter of every candidate.
package report

import (
	"fmt"
	"image/color"
	"io"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/filtercal/internal/fsutil"
	"github.com/banshee-data/filtercal/internal/grid"
	"github.com/banshee-data/filtercal/internal/scorer"
	"github.com/banshee-data/filtercal/internal/signal"
	"github.com/banshee-data/filtercal/internal/synth"
)

var (
	rawColor       = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	filteredColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	thresholdColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// EdgePlot builds a plot of the synthetic edge on one axis together with the
// filter's response to it under candidate c. threshold is the step fraction
// lag is measured at; zero omits the marker.
func EdgePlot(tr synth.Traces, f scorer.Filter, c grid.Candidate, axis int, threshold float64) (*plot.Plot, error) {
	if axis < 0 || axis >= signal.Axes {
		return nil, fmt.Errorf("axis %d out of range [0, %d)", axis, signal.Axes)
	}
	if len(tr.Edge) == 0 || tr.SampleRate <= 0 {
		return nil, fmt.Errorf("edge trace is empty")
	}

	raw := make(plotter.XYs, len(tr.Edge))
	filtered := make(plotter.XYs, len(tr.Edge))
	f.Reset()
	for i, v := range tr.Edge {
		t := float64(i) / tr.SampleRate
		raw[i] = plotter.XY{X: t, Y: v[axis]}
		filtered[i] = plotter.XY{X: t, Y: f.Step(v, c)[axis]}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Edge response, axis %s, %s", axisName(axis), c)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Value"

	rawLine, err := plotter.NewLine(raw)
	if err != nil {
		return nil, fmt.Errorf("edge line: %w", err)
	}
	rawLine.Color = rawColor
	rawLine.Width = vg.Points(1)
	rawLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	filteredLine, err := plotter.NewLine(filtered)
	if err != nil {
		return nil, fmt.Errorf("filtered line: %w", err)
	}
	filteredLine.Color = filteredColor
	filteredLine.Width = vg.Points(1.5)

	p.Add(rawLine, filteredLine)
	p.Legend.Add("edge", rawLine)
	p.Legend.Add("filtered", filteredLine)

	if threshold > 0 && tr.Amplitude[axis] != 0 {
		level := tr.Baseline[axis] + threshold*tr.Amplitude[axis]
		end := float64(len(tr.Edge)-1) / tr.SampleRate
		marker, err := plotter.NewLine(plotter.XYs{{X: 0, Y: level}, {X: end, Y: level}})
		if err != nil {
			return nil, fmt.Errorf("threshold line: %w", err)
		}
		marker.Color = thresholdColor
		marker.Width = vg.Points(0.5)
		p.Add(marker)
		p.Legend.Add(fmt.Sprintf("%.0f%% of step", threshold*100), marker)
	}
	return p, nil
}

// WriteEdgePNG renders EdgePlot as a PNG to w.
func WriteEdgePNG(w io.Writer, tr synth.Traces, f scorer.Filter, c grid.Candidate, axis int, threshold float64) error {
	p, err := EdgePlot(tr, f, c, axis, threshold)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("rendering edge plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveEdgePNG writes the edge plot to path on fsys, creating parent
// directories.
func SaveEdgePNG(fsys fsutil.FileSystem, path string, tr synth.Traces, f scorer.Filter, c grid.Candidate, axis int, threshold float64) error {
	return save(fsys, path, func(w io.Writer) error {
		return WriteEdgePNG(w, tr, f, c, axis, threshold)
	})
}

func save(fsys fsutil.FileSystem, path string, render func(io.Writer) error) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := fsys.Create(path)
	if err != nil {
		return err
	}
	if err := render(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func axisName(axis int) string {
	return string(rune('x' + axis))
}
