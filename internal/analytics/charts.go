package analytics

import (
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// renderParetoChart writes a bar chart of the ranked failure counts. An
// empty ranking still produces a chart so the artifact set is uniform
// across runs.
func renderParetoChart(path, title string, entries []ParetoEntry) error {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "failed events"
	p.Y.Min = 0

	values := make(plotter.Values, len(entries))
	labels := make([]string, len(entries))
	for i, e := range entries {
		values[i] = float64(e.Count)
		labels[i] = e.Key
	}

	bars, err := plotter.NewBarChart(values, vg.Points(24))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.NominalX(labels...)

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
