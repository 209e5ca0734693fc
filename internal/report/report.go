// Package report renders score charts for a finished sweep.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"sort"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/modelsweep/internal/calibrate"
)

// AssetsHost is where rendered pages load the echarts javascript from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// ErrNoScoredRuns is returned when a result has no scored run to plot.
var ErrNoScoredRuns = errors.New("no scored runs to plot")

type point struct {
	index int
	score float64
	label string
	best  bool
}

func scoredRuns(result *calibrate.SweepResult) []point {
	var pts []point
	for _, rec := range result.Runs {
		if rec.Score == nil {
			continue
		}
		pts = append(pts, point{index: rec.Index, score: *rec.Score, label: paramLabel(rec.Params), best: rec.Best})
	}
	return pts
}

// paramLabel formats params in name order, e.g. "a=1 b=2".
func paramLabel(params map[string]float64) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%g", name, params[name])
	}
	return b.String()
}

// RenderScoreChart writes an HTML page plotting score against run index.
func RenderScoreChart(w io.Writer, result *calibrate.SweepResult) error {
	pts := scoredRuns(result)
	if len(pts) == 0 {
		return ErrNoScoredRuns
	}

	runs := make([]opts.ScatterData, 0, len(pts))
	var best []opts.ScatterData
	for _, p := range pts {
		d := opts.ScatterData{Name: p.label, Value: []interface{}{p.index, p.score}}
		if p.best {
			best = append(best, d)
			continue
		}
		runs = append(runs, d)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sweep " + result.ExecutionID, Width: "100%", Height: "640px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Sweep %s", result.ExecutionID),
			Subtitle: fmt.Sprintf("model=%s runs=%d best=%.4g", result.Model, result.Stats.Runs, result.Score),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Run", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Score", NameLocation: "middle", NameGap: 40}),
	)
	scatter.AddSeries("runs", runs, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	scatter.AddSeries("best", best, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 16}))

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.AddCharts(scatter)
	return page.Render(w)
}

// ScorePlot builds a static plot of score against run index with the best
// run highlighted.
func ScorePlot(result *calibrate.SweepResult) (*plot.Plot, error) {
	pts := scoredRuns(result)
	if len(pts) == 0 {
		return nil, ErrNoScoredRuns
	}

	all := make(plotter.XYs, 0, len(pts))
	var best plotter.XYs
	for _, p := range pts {
		xy := plotter.XY{X: float64(p.index), Y: p.score}
		all = append(all, xy)
		if p.best {
			best = append(best, xy)
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Sweep %s (%s)", result.ExecutionID, result.Model)
	p.X.Label.Text = "Run"
	p.Y.Label.Text = "Score"

	line, err := plotter.NewLine(all)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	p.Add(line)

	scatter, err := plotter.NewScatter(all)
	if err != nil {
		return nil, err
	}
	scatter.GlyphStyle.Radius = vg.Points(2)
	p.Add(scatter)
	p.Legend.Add("runs", scatter)

	if len(best) > 0 {
		bestScatter, err := plotter.NewScatter(best)
		if err != nil {
			return nil, err
		}
		bestScatter.GlyphStyle.Color = color.RGBA{R: 220, G: 40, B: 40, A: 255}
		bestScatter.GlyphStyle.Radius = vg.Points(4)
		bestScatter.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(bestScatter)
		p.Legend.Add("best", bestScatter)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WriteScorePNG saves ScorePlot to path. The image format follows the
// extension.
func WriteScorePNG(path string, result *calibrate.SweepResult) error {
	p, err := ScorePlot(result)
	if err != nil {
		return err
	}
	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}

// WriteScoreImage writes ScorePlot to w in the given format ("png", "svg").
func WriteScoreImage(w io.Writer, format string, result *calibrate.SweepResult) error {
	p, err := ScorePlot(result)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, format)
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
