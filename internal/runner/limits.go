package runner

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mtaplabs/mtap/internal/plan"
)

// limitVerdict is the result of evaluating one limits record against a
// response data map.
type limitVerdict struct {
	passed      bool
	message     string
	measurement string
	value       *float64
	units       string
}

// evaluateLimits resolves limits.field in the response data and applies
// either the equals or the range form. A missing field fails the limit.
func evaluateLimits(l *plan.Limits, data map[string]any) limitVerdict {
	v := limitVerdict{measurement: l.Field, units: l.Units}

	raw, ok := data[l.Field]
	if !ok {
		v.message = fmt.Sprintf("limit field %q missing from response", l.Field)
		return v
	}
	if num, isNum := numeric(raw); isNum {
		v.value = &num
	}

	if l.Equals != nil {
		want := *l.Equals
		if equalsMatch(want, raw) {
			v.passed = true
		} else {
			v.message = fmt.Sprintf("%s = %v, expected %v", l.Field, raw, want)
		}
		return v
	}

	num, isNum := numeric(raw)
	if !isNum {
		v.message = fmt.Sprintf("%s = %v is not numeric", l.Field, raw)
		return v
	}
	if l.Min != nil && num < *l.Min {
		v.message = fmt.Sprintf("%s = %v below min %v", l.Field, num, *l.Min)
		return v
	}
	if l.Max != nil && num > *l.Max {
		v.message = fmt.Sprintf("%s = %v above max %v", l.Field, num, *l.Max)
		return v
	}
	v.passed = true
	return v
}

// equalsMatch compares an expected plan value against a decoded JSON
// value. Numbers compare numerically regardless of the decoded Go type.
func equalsMatch(want, got any) bool {
	if wn, ok := numeric(want); ok {
		gn, ok := numeric(got)
		return ok && wn == gn
	}
	return reflect.DeepEqual(want, got)
}

// numeric widens any numeric representation to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
