package report

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"

	"github.com/mtaplabs/mtap/internal/eventlog"
)

// JUnit document shapes, one testsuite per SN and one testcase per step
// instance (the final attempt decides the outcome).
type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	TimeS     string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

// WriteJUnit exports the event log as a JUnit XML document for CI
// ingestion.
func WriteJUnit(path, runID string, events []eventlog.StepEvent) error {
	type key struct{ sn, step string }
	type inst struct {
		final    eventlog.StepEvent
		attempts int
	}
	byKey := make(map[key]*inst)
	var snOrder []string
	seenSN := make(map[string]bool)
	for _, e := range events {
		if !seenSN[e.SN] {
			seenSN[e.SN] = true
			snOrder = append(snOrder, e.SN)
		}
		k := key{e.SN, e.TestStep}
		in, ok := byKey[k]
		if !ok {
			in = &inst{}
			byKey[k] = in
		}
		in.attempts++
		if e.Attempt >= in.final.Attempt {
			in.final = e
		}
	}

	doc := junitSuites{Name: "mtap-" + runID}
	for _, sn := range snOrder {
		suite := junitSuite{Name: sn}

		var steps []string
		for k := range byKey {
			if k.sn == sn {
				steps = append(steps, k.step)
			}
		}
		sort.Strings(steps)

		for _, step := range steps {
			in := byKey[key{sn, step}]
			c := junitCase{
				Name:      step,
				ClassName: sn,
				TimeS:     fmt.Sprintf("%.3f", in.final.DurationMs/1000),
			}
			if !in.final.Passed {
				code := "UNKNOWN"
				if in.final.ErrorCode != nil {
					code = *in.final.ErrorCode
				}
				c.Failure = &junitFailure{
					Message: in.final.Message,
					Type:    code,
					Body:    fmt.Sprintf("failed after %d attempt(s)", in.attempts),
				}
				suite.Failures++
			}
			suite.Tests++
			suite.Cases = append(suite.Cases, c)
		}

		doc.Tests += suite.Tests
		doc.Failures += suite.Failures
		doc.Suites = append(doc.Suites, suite)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(f)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode junit: %w", err)
	}
	return enc.Close()
}
