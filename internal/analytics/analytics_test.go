package analytics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtaplabs/mtap/internal/eventlog"
)

func sPtr(s string) *string   { return &s }
func vPtr(v float64) *float64 { return &v }

func ev(sn, step string, attempt int, passed bool, errCode string) eventlog.StepEvent {
	e := eventlog.StepEvent{
		SchemaVersion:  1,
		RunID:          "R1",
		BatchID:        "B1",
		StationID:      "st-01",
		Stage:          "EVT",
		SN:             sn,
		FWVersion:      "1.0.0",
		TestStep:       step,
		Command:        "READ_TEMP",
		Attempt:        attempt,
		RetryCount:     attempt - 1,
		RetriesAllowed: 2,
		Passed:         passed,
	}
	if !passed {
		e.ErrorCode = sPtr(errCode)
	}
	return e
}

func withTemp(e eventlog.StepEvent, temp float64) eventlog.StepEvent {
	e.Measurement = "temp_c"
	e.Value = vPtr(temp)
	e.Units = "C"
	return e
}

// Two SNs, two steps, everything first-attempt clean.
func cleanEvents() []eventlog.StepEvent {
	return []eventlog.StepEvent{
		ev("SN-1", "t_ping", 1, true, ""),
		withTemp(ev("SN-1", "t_temp", 1, true, ""), 25.0),
		ev("SN-2", "t_ping", 1, true, ""),
		withTemp(ev("SN-2", "t_temp", 1, true, ""), 25.5),
	}
}

// SN-2 retried t_temp once before passing.
func retryEvents() []eventlog.StepEvent {
	return []eventlog.StepEvent{
		ev("SN-1", "t_ping", 1, true, ""),
		withTemp(ev("SN-1", "t_temp", 1, true, ""), 25.0),
		ev("SN-2", "t_ping", 1, true, ""),
		ev("SN-2", "t_temp", 1, false, "E_TIMEOUT"),
		withTemp(ev("SN-2", "t_temp", 2, true, ""), 25.5),
	}
}

func TestComputeYieldsAllClean(t *testing.T) {
	y := ComputeYields(cleanEvents(), nil)
	if y.TotalUnits != 2 || y.FPY != 1.0 || y.FTY != 1.0 || y.FlakyRate != 0.0 {
		t.Errorf("yields: %+v", y)
	}
}

func TestComputeYieldsWithRetry(t *testing.T) {
	y := ComputeYields(retryEvents(), nil)
	if y.TotalUnits != 2 {
		t.Fatalf("total_units = %d", y.TotalUnits)
	}
	if y.FPY != 0.5 {
		t.Errorf("fpy = %v, want 0.5", y.FPY)
	}
	if y.FTY != 1.0 {
		t.Errorf("fty = %v, want 1.0", y.FTY)
	}
	if y.FlakyInstances != 1 || y.TotalInstances != 4 || y.FlakyRate != 0.25 {
		t.Errorf("flaky: %+v", y)
	}
}

func TestMissingStepFailsUnit(t *testing.T) {
	events := cleanEvents()[:3] // SN-2 never ran t_temp
	y := ComputeYields(events, []string{"t_ping", "t_temp"})
	if y.FTYUnits != 1 || y.FPYUnits != 1 {
		t.Errorf("yields with missing step: %+v", y)
	}
}

func TestFinalFailureFailsFTY(t *testing.T) {
	events := []eventlog.StepEvent{
		ev("SN-1", "t_temp", 1, false, "E_INTERNAL"),
		ev("SN-1", "t_temp", 2, false, "E_INTERNAL"),
		ev("SN-1", "t_temp", 3, false, "E_INTERNAL"),
	}
	y := ComputeYields(events, nil)
	if y.FTY != 0 || y.FPY != 0 || y.FlakyInstances != 0 {
		t.Errorf("yields: %+v", y)
	}
}

func TestStepFailRates(t *testing.T) {
	rates := StepFailRates(retryEvents(), nil)
	if len(rates) != 2 {
		t.Fatalf("rates = %d", len(rates))
	}
	// Sorted by step id: t_ping before t_temp.
	if rates[0].Step != "t_ping" || rates[1].Step != "t_temp" {
		t.Fatalf("order: %s, %s", rates[0].Step, rates[1].Step)
	}
	temp := rates[1]
	if temp.TotalUnits != 2 || temp.FailedUnits != 1 || temp.FailRateUnits != 0.5 {
		t.Errorf("unit rates: %+v", temp)
	}
	if temp.TotalEvents != 3 || temp.FailedEvents != 1 {
		t.Errorf("attempt rates: %+v", temp)
	}
}

func TestStepFailRatesMissingStep(t *testing.T) {
	// SN-2 never ran t_temp; the skipped step counts against the step's
	// failed units and the denominator stays the full unit count.
	events := []eventlog.StepEvent{
		ev("SN-1", "t_ping", 1, true, ""),
		withTemp(ev("SN-1", "t_temp", 1, true, ""), 25.0),
		ev("SN-2", "t_ping", 1, true, ""),
	}
	rates := StepFailRates(events, []string{"t_ping", "t_temp"})
	if len(rates) != 2 {
		t.Fatalf("rates = %d", len(rates))
	}
	temp := rates[1]
	if temp.Step != "t_temp" {
		t.Fatalf("order: %+v", rates)
	}
	if temp.TotalUnits != 2 || temp.FailedUnits != 1 || temp.FailRateUnits != 0.5 {
		t.Errorf("unit rates: %+v", temp)
	}
	if temp.TotalEvents != 1 || temp.FailedEvents != 0 {
		t.Errorf("attempt rates: %+v", temp)
	}
}

func TestPareto(t *testing.T) {
	p := Pareto(retryEvents())
	if len(p.ByStep) != 1 || p.ByStep[0].Key != "t_temp" || p.ByStep[0].Count != 1 {
		t.Errorf("by_step: %+v", p.ByStep)
	}
	if len(p.ByError) != 1 || p.ByError[0].Key != "E_TIMEOUT" || p.ByError[0].Count != 1 {
		t.Errorf("by_error: %+v", p.ByError)
	}
	if len(p.ByBatch) != 1 || p.ByBatch[0].Key != "B1" {
		t.Errorf("by_batch: %+v", p.ByBatch)
	}
}

func TestParetoOrdering(t *testing.T) {
	events := []eventlog.StepEvent{
		ev("SN-1", "b_step", 1, false, "E_TIMEOUT"),
		ev("SN-1", "a_step", 1, false, "E_BUSY"),
		ev("SN-2", "c_step", 1, false, "E_TIMEOUT"),
		ev("SN-2", "c_step", 2, false, "E_TIMEOUT"),
	}
	p := Pareto(events)
	// Count descending, ties by key ascending.
	want := []string{"c_step", "a_step", "b_step"}
	for i, w := range want {
		if p.ByStep[i].Key != w {
			t.Fatalf("by_step order: %+v", p.ByStep)
		}
	}
	if p.ByError[0].Key != "E_TIMEOUT" || p.ByError[0].Count != 3 {
		t.Errorf("by_error: %+v", p.ByError)
	}
}

func TestStratifyFirstSeen(t *testing.T) {
	events := retryEvents()
	events[2].FWVersion = "2.0.0" // SN-2's first event
	events[3].FWVersion = "9.9.9" // later events must not win
	events[4].FWVersion = "9.9.9"

	rows := Stratify(events, StratFWVersion)
	if len(rows) != 2 {
		t.Fatalf("rows: %+v", rows)
	}
	if rows[0].Group != "1.0.0" || rows[0].Units != 1 || rows[0].FTY != 1.0 {
		t.Errorf("row 0: %+v", rows[0])
	}
	if rows[1].Group != "2.0.0" || rows[1].Units != 1 {
		t.Errorf("row 1: %+v", rows[1])
	}
}

func TestStratifyTempBin(t *testing.T) {
	events := []eventlog.StepEvent{
		withTemp(ev("SN-COLD", "t_temp", 1, true, ""), 15.0),
		withTemp(ev("SN-WARM", "t_temp", 1, true, ""), 25.0),
		withTemp(ev("SN-HOT", "t_temp", 1, true, ""), 45.0),
		ev("SN-NODATA", "t_ping", 1, true, ""),
		// Failing measurement must not contribute to the average.
		withTemp(ev("SN-COLD", "t_temp", 2, false, "LIMIT_FAIL"), 90.0),
	}
	rows := Stratify(events, StratTempBin)

	groups := map[string]StratumRow{}
	for _, r := range rows {
		groups[r.Group] = r
	}
	if _, ok := groups["<20C"]; !ok {
		t.Errorf("missing <20C bin: %+v", rows)
	}
	if _, ok := groups["20-30C"]; !ok {
		t.Errorf("missing 20-30C bin: %+v", rows)
	}
	if _, ok := groups[">=40C"]; !ok {
		t.Errorf("missing >=40C bin: %+v", rows)
	}
	total := 0
	for _, r := range rows {
		total += r.Units
	}
	if total != 3 {
		t.Errorf("SN-NODATA must be excluded, units = %d", total)
	}
}

func TestTempBinBoundaries(t *testing.T) {
	cases := map[float64]string{
		19.99: "<20C",
		20.0:  "20-30C",
		29.99: "20-30C",
		30.0:  "30-40C",
		40.0:  ">=40C",
	}
	for avg, want := range cases {
		if got := tempBin(avg); got != want {
			t.Errorf("tempBin(%v) = %q, want %q", avg, got, want)
		}
	}
}

func TestWriteAllArtifacts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "analytics")
	if err := WriteAll(dir, retryEvents(), nil); err != nil {
		t.Fatal(err)
	}

	wantFiles := []string{
		"yield_summary.csv", "step_fail_rates.csv",
		"pareto_step.csv", "pareto_error.csv", "pareto_batch.csv",
		"pareto_step.png", "pareto_error.png", "pareto_batch.png",
		"strat_fw_version.csv", "strat_stage.csv", "strat_batch_id.csv", "strat_temp_bin.csv",
	}
	for _, f := range wantFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("missing artifact %s: %v", f, err)
		}
	}
}

func TestWriteAllIsDeterministic(t *testing.T) {
	d1 := filepath.Join(t.TempDir(), "a")
	d2 := filepath.Join(t.TempDir(), "b")
	if err := WriteAll(d1, retryEvents(), nil); err != nil {
		t.Fatal(err)
	}
	if err := WriteAll(d2, retryEvents(), nil); err != nil {
		t.Fatal(err)
	}

	for _, f := range []string{"yield_summary.csv", "step_fail_rates.csv", "pareto_step.csv", "strat_temp_bin.csv"} {
		a, err := os.ReadFile(filepath.Join(d1, f))
		if err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(filepath.Join(d2, f))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Errorf("%s differs between identical reruns", f)
		}
	}
}

func TestRenderSummaryTable(t *testing.T) {
	var buf bytes.Buffer
	RenderSummaryTable(&buf, retryEvents(), nil)
	out := buf.String()
	if !strings.Contains(out, "FPY") || !strings.Contains(out, "t_temp") {
		t.Errorf("table output missing sections:\n%s", out)
	}
}
