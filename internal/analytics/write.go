package analytics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/mtaplabs/mtap/internal/eventlog"
)

// Artifact file names inside the analytics directory.
const (
	YieldSummaryCSV  = "yield_summary.csv"
	StepFailRatesCSV = "step_fail_rates.csv"
)

// WriteAll computes every metric and writes the CSV and chart artifacts
// into dir. The caller passes planSteps for the yield computation; nil
// derives them from the log.
func WriteAll(dir string, events []eventlog.StepEvent, planSteps []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	yields := ComputeYields(events, planSteps)
	if err := writeYieldSummary(filepath.Join(dir, YieldSummaryCSV), yields); err != nil {
		return err
	}
	if err := writeStepFailRates(filepath.Join(dir, StepFailRatesCSV), StepFailRates(events, planSteps)); err != nil {
		return err
	}

	pareto := Pareto(events)
	for _, dim := range []struct {
		name    string
		keyCol  string
		entries []ParetoEntry
	}{
		{"step", "test_step", pareto.ByStep},
		{"error", "error_code", pareto.ByError},
		{"batch", "batch_id", pareto.ByBatch},
	} {
		csvPath := filepath.Join(dir, "pareto_"+dim.name+".csv")
		if err := writePareto(csvPath, dim.keyCol, dim.entries); err != nil {
			return err
		}
		pngPath := filepath.Join(dir, "pareto_"+dim.name+".png")
		if err := renderParetoChart(pngPath, "Failures by "+dim.keyCol, dim.entries); err != nil {
			return err
		}
	}

	for _, dim := range []string{StratFWVersion, StratStage, StratBatchID, StratTempBin} {
		p := filepath.Join(dir, "strat_"+dim+".csv")
		if err := writeStrata(p, Stratify(events, dim)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func writeYieldSummary(path string, y YieldSummary) error {
	return writeCSV(path, [][]string{
		{"metric", "value"},
		{"total_units", strconv.Itoa(y.TotalUnits)},
		{"fpy_units", strconv.Itoa(y.FPYUnits)},
		{"fpy", formatRate(y.FPY)},
		{"fty_units", strconv.Itoa(y.FTYUnits)},
		{"fty", formatRate(y.FTY)},
		{"flaky_instances", strconv.Itoa(y.FlakyInstances)},
		{"total_instances", strconv.Itoa(y.TotalInstances)},
		{"flaky_rate", formatRate(y.FlakyRate)},
	})
}

func writeStepFailRates(path string, rates []StepFailRate) error {
	rows := [][]string{{
		"test_step", "total_units", "failed_units", "fail_rate_units",
		"total_events", "failed_events", "fail_rate_attempts",
	}}
	for _, r := range rates {
		rows = append(rows, []string{
			r.Step,
			strconv.Itoa(r.TotalUnits),
			strconv.Itoa(r.FailedUnits),
			formatRate(r.FailRateUnits),
			strconv.Itoa(r.TotalEvents),
			strconv.Itoa(r.FailedEvents),
			formatRate(r.FailRateAttempts),
		})
	}
	return writeCSV(path, rows)
}

func writePareto(path, keyCol string, entries []ParetoEntry) error {
	rows := [][]string{{keyCol, "count"}}
	for _, e := range entries {
		rows = append(rows, []string{e.Key, strconv.Itoa(e.Count)})
	}
	return writeCSV(path, rows)
}

func writeStrata(path string, rows []StratumRow) error {
	out := [][]string{{"group", "units", "fty_units", "fty"}}
	for _, r := range rows {
		out = append(out, []string{
			r.Group,
			strconv.Itoa(r.Units),
			strconv.Itoa(r.FTYUnits),
			formatRate(r.FTY),
		})
	}
	return writeCSV(path, out)
}

// formatRate keeps rates stable across reruns: fixed six decimal places.
func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// RenderSummaryTable prints the yield summary and per-step rates as
// terminal tables.
func RenderSummaryTable(w io.Writer, events []eventlog.StepEvent, planSteps []string) {
	y := ComputeYields(events, planSteps)

	t := tablewriter.NewWriter(w)
	t.SetHeader([]string{"Metric", "Value"})
	t.Append([]string{"Total units", strconv.Itoa(y.TotalUnits)})
	t.Append([]string{"FPY", fmt.Sprintf("%.2f%% (%d/%d)", y.FPY*100, y.FPYUnits, y.TotalUnits)})
	t.Append([]string{"FTY", fmt.Sprintf("%.2f%% (%d/%d)", y.FTY*100, y.FTYUnits, y.TotalUnits)})
	t.Append([]string{"Flaky rate", fmt.Sprintf("%.2f%% (%d/%d)", y.FlakyRate*100, y.FlakyInstances, y.TotalInstances)})
	t.Render()

	rates := StepFailRates(events, planSteps)
	if len(rates) == 0 {
		return
	}
	st := tablewriter.NewWriter(w)
	st.SetHeader([]string{"Step", "Units", "Unit fail rate", "Attempt fail rate"})
	for _, r := range rates {
		st.Append([]string{
			r.Step,
			strconv.Itoa(r.TotalUnits),
			fmt.Sprintf("%.2f%%", r.FailRateUnits*100),
			fmt.Sprintf("%.2f%%", r.FailRateAttempts*100),
		})
	}
	st.Render()
}
