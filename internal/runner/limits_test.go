package runner

import (
	"testing"

	"github.com/mtaplabs/mtap/internal/plan"
)

func anyPtr(v any) *any       { return &v }
func fPtr(v float64) *float64 { return &v }

func TestEvaluateLimitsRange(t *testing.T) {
	l := &plan.Limits{Field: "temp_c", Min: fPtr(-10), Max: fPtr(60), Units: "C"}

	cases := []struct {
		val  float64
		pass bool
	}{
		{25.0, true},
		{-10.0, true},
		{60.0, true},
		{-10.1, false},
		{200.0, false},
	}
	for _, tc := range cases {
		v := evaluateLimits(l, map[string]any{"temp_c": tc.val})
		if v.passed != tc.pass {
			t.Errorf("val %v: passed = %v, want %v (%s)", tc.val, v.passed, tc.pass, v.message)
		}
		if v.value == nil || *v.value != tc.val {
			t.Errorf("val %v: recorded value %v", tc.val, v.value)
		}
		if v.measurement != "temp_c" || v.units != "C" {
			t.Errorf("measurement triple: %q %q", v.measurement, v.units)
		}
	}
}

func TestEvaluateLimitsHalfOpenRange(t *testing.T) {
	minOnly := &plan.Limits{Field: "vbat_v", Min: fPtr(9)}
	if v := evaluateLimits(minOnly, map[string]any{"vbat_v": 100.0}); !v.passed {
		t.Errorf("min-only high value: %s", v.message)
	}
	maxOnly := &plan.Limits{Field: "vbat_v", Max: fPtr(16)}
	if v := evaluateLimits(maxOnly, map[string]any{"vbat_v": -5.0}); !v.passed {
		t.Errorf("max-only low value: %s", v.message)
	}
}

func TestEvaluateLimitsEquals(t *testing.T) {
	boolLim := &plan.Limits{Field: "self_test_ok", Equals: anyPtr(true)}
	if v := evaluateLimits(boolLim, map[string]any{"self_test_ok": true}); !v.passed {
		t.Errorf("bool equals: %s", v.message)
	}
	if v := evaluateLimits(boolLim, map[string]any{"self_test_ok": false}); v.passed {
		t.Error("bool mismatch must fail")
	}

	// YAML yields int, JSON decode yields float64; they must compare equal.
	numLim := &plan.Limits{Field: "cycles", Equals: anyPtr(3)}
	if v := evaluateLimits(numLim, map[string]any{"cycles": 3.0}); !v.passed {
		t.Errorf("numeric equals across types: %s", v.message)
	}
}

func TestEvaluateLimitsMissingField(t *testing.T) {
	l := &plan.Limits{Field: "temp_c", Max: fPtr(50)}
	v := evaluateLimits(l, map[string]any{"vbat_v": 12.0})
	if v.passed {
		t.Error("missing field must fail")
	}
	if v.value != nil {
		t.Errorf("value = %v for missing field", *v.value)
	}
}

func TestEvaluateLimitsNonNumericRange(t *testing.T) {
	l := &plan.Limits{Field: "mode", Max: fPtr(1)}
	if v := evaluateLimits(l, map[string]any{"mode": "NORMAL"}); v.passed {
		t.Error("non-numeric value against range must fail")
	}
}
