package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/filtercal/internal/calibrate"
	"github.com/banshee-data/filtercal/internal/fsutil"
	"github.com/banshee-data/filtercal/internal/search"
)

// CandidateScatter renders every evaluated candidate of res as lag against
// precision. Feasible candidates, rejected candidates and the winner are
// separate series.
func CandidateScatter(w io.Writer, res *calibrate.Result) error {
	if res == nil || len(res.Evaluations) == 0 {
		return fmt.Errorf("result has no evaluations to plot")
	}

	var feasible, rejected []opts.ScatterData
	for _, e := range res.Evaluations {
		pt := point(e)
		if e.Feasible {
			feasible = append(feasible, pt)
		} else {
			rejected = append(rejected, pt)
		}
	}
	winner := []opts.ScatterData{{
		Value: []interface{}{res.LagSeconds, res.Precision},
		Name:  res.Candidate.String(),
	}}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Filter calibration", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Candidate precision vs lag",
			Subtitle: fmt.Sprintf("run=%s objective=%s candidates=%d feasible=%d", res.ID, res.Objective, res.Evaluated, res.Feasible),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Lag (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Precision", NameLocation: "middle", NameGap: 40}),
	)
	scatter.AddSeries("feasible", feasible, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	scatter.AddSeries("rejected", rejected, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("selected", winner, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	return scatter.Render(w)
}

// SaveCandidateScatter writes the scatter to path on fsys, creating parent
// directories.
func SaveCandidateScatter(fsys fsutil.FileSystem, path string, res *calibrate.Result) error {
	return save(fsys, path, func(w io.Writer) error {
		return CandidateScatter(w, res)
	})
}

func point(e search.Evaluation) opts.ScatterData {
	return opts.ScatterData{
		Value: []interface{}{e.Score.LagSeconds, e.Score.Precision},
		Name:  e.Candidate.String(),
	}
}
