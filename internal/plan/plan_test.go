package plan

import (
	"errors"
	"strings"
	"testing"
)

const goodPlan = `
plan:
  name: smoke
  version: "1.0"
station:
  name: station-01
  stage: EVT
  fw_expected: "1.0.0"
batch:
  sn_count: 3
steps:
  - id: t_ping
    name: Ping
    cmd: PING
    retries: 1
    backoff_ms: 50
    timeout_s: 2.0
    req_ids: [REQ-001]
    stages: [EVT, DVT]
  - id: t_temp
    name: Temperature
    cmd: READ_TEMP
    retries: 2
    backoff_ms: 100
    timeout_s: 2.0
    limits:
      field: temp_c
      min: -10.0
      max: 60.0
    req_ids: [REQ-002, REQ-003]
    stages: [EVT]
  - id: t_dvt_only
    name: DVT extra
    cmd: SELF_TEST
    retries: 0
    backoff_ms: 0
    timeout_s: 1.0
    limits:
      field: self_test_ok
      equals: true
    req_ids: [REQ-004]
    stages: [DVT]
`

func TestParseGoodPlan(t *testing.T) {
	p, err := Parse([]byte(goodPlan))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Meta.Name != "smoke" || p.Station.Stage != "EVT" || p.Batch.SNCount != 3 {
		t.Errorf("header: %+v %+v %+v", p.Meta, p.Station, p.Batch)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("steps = %d", len(p.Steps))
	}
	lim := p.Steps[1].Limits
	if lim == nil || lim.Field != "temp_c" || *lim.Min != -10 || *lim.Max != 60 {
		t.Errorf("limits: %+v", lim)
	}
	eq := p.Steps[2].Limits
	if eq == nil || eq.Equals == nil || (*eq.Equals).(bool) != true {
		t.Errorf("equals limits: %+v", eq)
	}
}

func TestStageGating(t *testing.T) {
	p, err := Parse([]byte(goodPlan))
	if err != nil {
		t.Fatal(err)
	}
	gated := p.GatedSteps()
	if len(gated) != 2 {
		t.Fatalf("gated steps = %d, want 2", len(gated))
	}
	if gated[0].ID != "t_ping" || gated[1].ID != "t_temp" {
		t.Errorf("gated order: %s, %s", gated[0].ID, gated[1].ID)
	}
	// Ungated view keeps everything for the traceability check.
	if len(p.Steps) != 3 {
		t.Errorf("ungated steps = %d", len(p.Steps))
	}
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{"bad stage", func(s string) string { return strings.Replace(s, "stage: EVT", "stage: FOO", 1) }, "station.stage"},
		{"sn_count zero", func(s string) string { return strings.Replace(s, "sn_count: 3", "sn_count: 0", 1) }, "sn_count"},
		{"sn_count huge", func(s string) string { return strings.Replace(s, "sn_count: 3", "sn_count: 5000", 1) }, "sn_count"},
		{"retries too high", func(s string) string { return strings.Replace(s, "retries: 1", "retries: 11", 1) }, "retries"},
		{"backoff too high", func(s string) string { return strings.Replace(s, "backoff_ms: 50", "backoff_ms: 20000", 1) }, "backoff_ms"},
		{"timeout zero", func(s string) string { return strings.Replace(s, "timeout_s: 1.0", "timeout_s: 0", 1) }, "timeout_s"},
		{"timeout too high", func(s string) string { return strings.Replace(s, "timeout_s: 1.0", "timeout_s: 31", 1) }, "timeout_s"},
		{"duplicate id", func(s string) string { return strings.Replace(s, "id: t_temp", "id: t_ping", 1) }, "duplicate"},
		{"bad req prefix", func(s string) string { return strings.Replace(s, "REQ-004", "R-004", 1) }, "REQ-"},
		{"empty req_ids", func(s string) string { return strings.Replace(s, "req_ids: [REQ-004]", "req_ids: []", 1) }, "req_ids"},
		{"empty stages", func(s string) string { return strings.Replace(s, "stages: [DVT]", "stages: []", 1) }, "stages"},
		{"unknown step stage", func(s string) string { return strings.Replace(s, "stages: [DVT]", "stages: [XXX]", 1) }, "XXX"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.mutate(goodPlan)))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error not ErrInvalid: %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q missing %q", err, tc.wantSub)
			}
		})
	}
}

func TestLimitsValidation(t *testing.T) {
	mixed := strings.Replace(goodPlan, "      equals: true", "      equals: true\n      min: 0.0", 1)
	if _, err := Parse([]byte(mixed)); err == nil {
		t.Error("mixing equals with min must fail")
	}

	empty := strings.Replace(goodPlan, "      equals: true\n", "", 1)
	if _, err := Parse([]byte(empty)); err == nil {
		t.Error("limits without any constraint must fail")
	}

	inverted := strings.Replace(goodPlan, "min: -10.0", "min: 70.0", 1)
	if _, err := Parse([]byte(inverted)); err == nil {
		t.Error("min > max must fail")
	}
}

func TestRetriesZeroIsValid(t *testing.T) {
	p, err := Parse([]byte(goodPlan))
	if err != nil {
		t.Fatal(err)
	}
	if p.Steps[2].Retries != 0 {
		t.Errorf("retries = %d", p.Steps[2].Retries)
	}
}
