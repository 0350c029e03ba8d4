package sfm

import (
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ift6142/ringsfm/logging"
)

const histogramBins = 20

// WriteReprojectionHistogram plots the reprojection errors of every triangulated observation to
// an image whose format is taken from the file extension.
func WriteReprojectionHistogram(diags []PairDiagnostics, fn string) error {
	values := plotter.Values(lo.FlatMap(diags, func(d PairDiagnostics, _ int) []float64 {
		return d.ReprojectionErrors
	}))
	if len(values) == 0 {
		return errors.New("no reprojection errors to plot")
	}
	p := plot.New()
	p.Title.Text = "Reprojection error"
	p.X.Label.Text = "pixels"
	p.Y.Label.Text = "observations"
	hist, err := plotter.NewHist(values, histogramBins)
	if err != nil {
		return err
	}
	p.Add(hist)
	return p.Save(6*vg.Inch, 4*vg.Inch, fn)
}

// logSummary logs one line per pair and the run totals.
func logSummary(logger logging.Logger, runID string, diags []PairDiagnostics) {
	var all stats.Float64Data
	for _, d := range diags {
		if d.Failed() {
			logger.Infow("pair failed", "run", runID, "pair", d.Pair.String(), "matches", d.Matches,
				"inliers", d.Inliers, "reason", d.FailureReason())
			continue
		}
		logger.Infow("pair reconstructed", "run", runID, "pair", d.Pair.String(), "matches", d.Matches,
			"inliers", d.Inliers, "points", d.Triangulated, "degenerate", d.Degenerate,
			"low_confidence", d.LowConfidence, "reprojection_median", d.ReprojectionMedian,
			"duration", d.Duration)
		all = append(all, d.ReprojectionErrors...)
	}
	if len(all) == 0 {
		return
	}
	p95, err := all.Percentile(95)
	if err != nil {
		p95 = 0
	}
	mean, _ := all.Mean()
	logger.Infow("reprojection error", "run", runID, "observations", len(all), "mean", mean, "p95", p95)
}
