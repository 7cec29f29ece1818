// Package report renders the qualification report from the run summary
// and the replayed event log. Rendering is a pure templating step over
// already-computed data.
package report

import (
	"fmt"
	"html/template"
	"os"
	"sort"

	"github.com/mtaplabs/mtap/internal/analytics"
	"github.com/mtaplabs/mtap/internal/eventlog"
	"github.com/mtaplabs/mtap/internal/runner"
)

// failureRow aggregates the failed events of one (sn, step, error_code)
// triple.
type failureRow struct {
	SN        string
	Step      string
	ErrorCode string
	Attempts  int
	LastMsg   string
}

// reportData is the template context.
type reportData struct {
	Summary    *runner.RunSummary
	Yields     analytics.YieldSummary
	StepRates  []analytics.StepFailRate
	Failures   []failureRow
	DurationP  durations
	EventCount int
}

type durations struct {
	P50Ms float64
	P95Ms float64
}

// WriteHTML renders the qualification report to path.
func WriteHTML(path string, summary *runner.RunSummary, events []eventlog.StepEvent, planSteps []string) error {
	data := reportData{
		Summary:    summary,
		Yields:     analytics.ComputeYields(events, planSteps),
		StepRates:  analytics.StepFailRates(events, planSteps),
		Failures:   collectFailures(events),
		DurationP:  percentiles(events),
		EventCount: len(events),
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := reportTmpl.Execute(f, data); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

func collectFailures(events []eventlog.StepEvent) []failureRow {
	type key struct{ sn, step, code string }
	agg := make(map[key]*failureRow)
	for _, e := range events {
		if e.Passed {
			continue
		}
		code := ""
		if e.ErrorCode != nil {
			code = *e.ErrorCode
		}
		k := key{e.SN, e.TestStep, code}
		r, ok := agg[k]
		if !ok {
			r = &failureRow{SN: e.SN, Step: e.TestStep, ErrorCode: code}
			agg[k] = r
		}
		r.Attempts++
		r.LastMsg = e.Message
	}

	out := make([]failureRow, 0, len(agg))
	for _, r := range agg {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SN != out[j].SN {
			return out[i].SN < out[j].SN
		}
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].ErrorCode < out[j].ErrorCode
	})
	return out
}

// percentiles computes nearest-rank p50/p95 of attempt durations.
func percentiles(events []eventlog.StepEvent) durations {
	if len(events) == 0 {
		return durations{}
	}
	ds := make([]float64, 0, len(events))
	for _, e := range events {
		ds = append(ds, e.DurationMs)
	}
	sort.Float64s(ds)
	return durations{
		P50Ms: nearestRank(ds, 50),
		P95Ms: nearestRank(ds, 95),
	}
}

func nearestRank(sorted []float64, pct int) float64 {
	n := len(sorted)
	rank := (pct*n + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"mulf": func(a, b float64) float64 { return a * b },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Qualification Report {{.Summary.RunID}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin: 1em 0; }
th, td { border: 1px solid #999; padding: 4px 10px; text-align: left; }
th { background: #eee; }
.pass { color: #070; font-weight: bold; }
.fail { color: #a00; font-weight: bold; }
</style>
</head>
<body>
<h1>Qualification Report</h1>
<p>
Run <b>{{.Summary.RunID}}</b>, batch <b>{{.Summary.BatchID}}</b>,
station <b>{{.Summary.StationID}}</b>, stage <b>{{.Summary.Stage}}</b>,
plan <b>{{.Summary.PlanName}} v{{.Summary.PlanVersion}}</b>.
</p>
<p>Overall:
{{if .Summary.OverallPass}}<span class="pass">PASS</span>{{else}}<span class="fail">FAIL</span>{{end}}
&mdash; {{.EventCount}} events, attempt duration p50 {{printf "%.1f" .DurationP.P50Ms}} ms, p95 {{printf "%.1f" .DurationP.P95Ms}} ms.
</p>

<h2>Yield</h2>
<table>
<tr><th>Metric</th><th>Value</th></tr>
<tr><td>Total units</td><td>{{.Yields.TotalUnits}}</td></tr>
<tr><td>First-pass yield</td><td>{{printf "%.2f%%" (mulf .Yields.FPY 100.0)}} ({{.Yields.FPYUnits}}/{{.Yields.TotalUnits}})</td></tr>
<tr><td>Final-test yield</td><td>{{printf "%.2f%%" (mulf .Yields.FTY 100.0)}} ({{.Yields.FTYUnits}}/{{.Yields.TotalUnits}})</td></tr>
<tr><td>Flaky rate</td><td>{{printf "%.2f%%" (mulf .Yields.FlakyRate 100.0)}} ({{.Yields.FlakyInstances}}/{{.Yields.TotalInstances}})</td></tr>
</table>

<h2>Units</h2>
<table>
<tr><th>SN</th><th>Firmware</th><th>Result</th><th>Failed steps</th></tr>
{{range .Summary.Units}}
<tr>
<td>{{.SN}}</td>
<td>{{.FWVersion}}</td>
<td>{{if .Passed}}<span class="pass">PASS</span>{{else}}<span class="fail">FAIL</span>{{end}}</td>
<td>{{range $i, $s := .FailedSteps}}{{if $i}}, {{end}}{{$s}}{{end}}</td>
</tr>
{{end}}
</table>

<h2>Step failure rates</h2>
<table>
<tr><th>Step</th><th>Units</th><th>Unit fail rate</th><th>Attempt fail rate</th></tr>
{{range .StepRates}}
<tr>
<td>{{.Step}}</td>
<td>{{.TotalUnits}}</td>
<td>{{printf "%.2f%%" (mulf .FailRateUnits 100.0)}}</td>
<td>{{printf "%.2f%%" (mulf .FailRateAttempts 100.0)}}</td>
</tr>
{{end}}
</table>

{{if .Failures}}
<h2>Failures</h2>
<table>
<tr><th>SN</th><th>Step</th><th>Error</th><th>Failed attempts</th><th>Last message</th></tr>
{{range .Failures}}
<tr><td>{{.SN}}</td><td>{{.Step}}</td><td>{{.ErrorCode}}</td><td>{{.Attempts}}</td><td>{{.LastMsg}}</td></tr>
{{end}}
</table>
{{end}}
</body>
</html>
`))
