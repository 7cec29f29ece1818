package report

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtaplabs/mtap/internal/eventlog"
	"github.com/mtaplabs/mtap/internal/runner"
)

func sPtr(s string) *string { return &s }

func testEvents() []eventlog.StepEvent {
	return []eventlog.StepEvent{
		{SN: "SN-1", TestStep: "t_ping", Attempt: 1, RetriesAllowed: 1, Passed: true, DurationMs: 3.0, FWVersion: "1.0.0", BatchID: "B1", Stage: "EVT"},
		{SN: "SN-1", TestStep: "t_temp", Attempt: 1, RetriesAllowed: 1, Passed: true, DurationMs: 8.0, FWVersion: "1.0.0", BatchID: "B1", Stage: "EVT"},
		{SN: "SN-2", TestStep: "t_ping", Attempt: 1, RetriesAllowed: 1, Passed: true, DurationMs: 2.5, FWVersion: "1.0.0", BatchID: "B1", Stage: "EVT"},
		{SN: "SN-2", TestStep: "t_temp", Attempt: 1, RetriesAllowed: 1, Passed: false, ErrorCode: sPtr("E_TIMEOUT"), Message: "read timed out", DurationMs: 2000.0, FWVersion: "1.0.0", BatchID: "B1", Stage: "EVT"},
		{SN: "SN-2", TestStep: "t_temp", Attempt: 2, RetriesAllowed: 1, Passed: false, ErrorCode: sPtr("E_TIMEOUT"), Message: "read timed out", DurationMs: 2000.0, FWVersion: "1.0.0", BatchID: "B1", Stage: "EVT"},
	}
}

func testSummary() *runner.RunSummary {
	return &runner.RunSummary{
		RunID:       "20260102T030405Z",
		BatchID:     "B1",
		StationID:   "station-01",
		Stage:       "EVT",
		PlanName:    "smoke",
		PlanVersion: "1.0",
		OverallPass: false,
		Units: []runner.SNSummary{
			{SN: "SN-1", FWVersion: "1.0.0", Passed: true},
			{SN: "SN-2", FWVersion: "1.0.0", Passed: false, FailedSteps: []string{"t_temp"}},
		},
	}
}

func TestWriteHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qualification_report.html")
	if err := WriteHTML(path, testSummary(), testEvents(), nil); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	html := string(raw)

	for _, want := range []string{
		"20260102T030405Z",
		"SN-1", "SN-2",
		"E_TIMEOUT",
		"t_temp",
		"First-pass yield",
		"FAIL",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
	// SN-2's two timeout attempts aggregate into one failure row.
	if got := strings.Count(html, "read timed out"); got != 1 {
		t.Errorf("failure rows for same (sn, step, code) = %d, want 1", got)
	}
}

func TestWriteHTMLEmptyEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")
	sum := testSummary()
	sum.Units = nil
	sum.OverallPass = true
	if err := WriteHTML(path, sum, nil, nil); err != nil {
		t.Fatal(err)
	}
}

func TestPercentilesNearestRank(t *testing.T) {
	events := make([]eventlog.StepEvent, 0, 100)
	for i := 1; i <= 100; i++ {
		events = append(events, eventlog.StepEvent{DurationMs: float64(i)})
	}
	p := percentiles(events)
	if p.P50Ms != 50 {
		t.Errorf("p50 = %v", p.P50Ms)
	}
	if p.P95Ms != 95 {
		t.Errorf("p95 = %v", p.P95Ms)
	}

	single := percentiles([]eventlog.StepEvent{{DurationMs: 7}})
	if single.P50Ms != 7 || single.P95Ms != 7 {
		t.Errorf("single-sample percentiles: %+v", single)
	}
}

func TestWriteJUnit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junit.xml")
	if err := WriteJUnit(path, "20260102T030405Z", testEvents()); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		XMLName  xml.Name `xml:"testsuites"`
		Tests    int      `xml:"tests,attr"`
		Failures int      `xml:"failures,attr"`
		Suites   []struct {
			Name     string `xml:"name,attr"`
			Failures int    `xml:"failures,attr"`
			Cases    []struct {
				Name    string `xml:"name,attr"`
				Failure *struct {
					Type string `xml:"type,attr"`
				} `xml:"failure"`
			} `xml:"testcase"`
		} `xml:"testsuite"`
	}
	if err := xml.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}

	if doc.Tests != 4 || doc.Failures != 1 {
		t.Errorf("totals: tests=%d failures=%d", doc.Tests, doc.Failures)
	}
	if len(doc.Suites) != 2 {
		t.Fatalf("suites = %d", len(doc.Suites))
	}
	if doc.Suites[0].Name != "SN-1" || doc.Suites[0].Failures != 0 {
		t.Errorf("suite 0: %+v", doc.Suites[0])
	}
	sn2 := doc.Suites[1]
	if sn2.Name != "SN-2" || sn2.Failures != 1 {
		t.Errorf("suite 1: %+v", sn2)
	}
	var found bool
	for _, c := range sn2.Cases {
		if c.Name == "t_temp" {
			found = true
			if c.Failure == nil || c.Failure.Type != "E_TIMEOUT" {
				t.Errorf("t_temp case: %+v", c)
			}
		}
	}
	if !found {
		t.Error("t_temp case missing")
	}
}
