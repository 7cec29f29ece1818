// Package analytics derives manufacturing-quality metrics from the event
// log. Every computation is a pure function of the replayed events; file
// outputs sort explicitly so reruns are byte-identical.
package analytics

import (
	"sort"

	"github.com/mtaplabs/mtap/internal/eventlog"
)

// instanceKey identifies one (sn, test_step) group.
type instanceKey struct {
	sn   string
	step string
}

// instance summarises one step instance's attempts.
type instance struct {
	finalAttempt int
	finalPassed  bool
	anyFail      bool
}

// groupInstances folds events into per-(sn, step) instances. The final
// attempt is the event with the maximum attempt number.
func groupInstances(events []eventlog.StepEvent) map[instanceKey]*instance {
	out := make(map[instanceKey]*instance)
	for _, e := range events {
		k := instanceKey{sn: e.SN, step: e.TestStep}
		in, ok := out[k]
		if !ok {
			in = &instance{}
			out[k] = in
		}
		if e.Attempt > in.finalAttempt {
			in.finalAttempt = e.Attempt
			in.finalPassed = e.Passed
		}
		if !e.Passed {
			in.anyFail = true
		}
	}
	return out
}

// observedSNs returns the distinct serial numbers in log order.
func observedSNs(events []eventlog.StepEvent) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range events {
		if !seen[e.SN] {
			seen[e.SN] = true
			out = append(out, e.SN)
		}
	}
	return out
}

// observedSteps returns the distinct test steps, sorted.
func observedSteps(events []eventlog.StepEvent) []string {
	seen := make(map[string]bool)
	for _, e := range events {
		seen[e.TestStep] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// YieldSummary is the batch-level outcome of the yield computation.
type YieldSummary struct {
	TotalUnits     int     `json:"total_units"`
	FPYUnits       int     `json:"fpy_units"`
	FPY            float64 `json:"fpy"`
	FTYUnits       int     `json:"fty_units"`
	FTY            float64 `json:"fty"`
	FlakyInstances int     `json:"flaky_instances"`
	TotalInstances int     `json:"total_instances"`
	FlakyRate      float64 `json:"flaky_rate"`
}

// ComputeYields computes FPY, FTY, and the flaky rate. planSteps is the
// full step list a unit must complete; pass nil to derive it from the
// union of steps observed in the log.
func ComputeYields(events []eventlog.StepEvent, planSteps []string) YieldSummary {
	if planSteps == nil {
		planSteps = observedSteps(events)
	}
	instances := groupInstances(events)
	sns := observedSNs(events)

	var s YieldSummary
	s.TotalUnits = len(sns)
	s.TotalInstances = len(instances)

	for _, in := range instances {
		if in.anyFail && in.finalPassed {
			s.FlakyInstances++
		}
	}
	if s.TotalInstances > 0 {
		s.FlakyRate = float64(s.FlakyInstances) / float64(s.TotalInstances)
	}

	for _, sn := range sns {
		if unitPassesFTY(instances, sn, planSteps) {
			s.FTYUnits++
		}
		if unitPassesFPY(instances, sn, planSteps) {
			s.FPYUnits++
		}
	}
	if s.TotalUnits > 0 {
		s.FPY = float64(s.FPYUnits) / float64(s.TotalUnits)
		s.FTY = float64(s.FTYUnits) / float64(s.TotalUnits)
	}
	return s
}

// unitPassesFTY: every plan step's final event passed; a step missing
// from the log counts as a failure.
func unitPassesFTY(instances map[instanceKey]*instance, sn string, planSteps []string) bool {
	for _, step := range planSteps {
		in, ok := instances[instanceKey{sn: sn, step: step}]
		if !ok || !in.finalPassed {
			return false
		}
	}
	return true
}

// unitPassesFPY: every plan step's final event has attempt 1, passed, and
// no failure anywhere in the group. The anyFail term is redundant given
// the first two but guards against corrupted logs.
func unitPassesFPY(instances map[instanceKey]*instance, sn string, planSteps []string) bool {
	for _, step := range planSteps {
		in, ok := instances[instanceKey{sn: sn, step: step}]
		if !ok || in.finalAttempt != 1 || !in.finalPassed || in.anyFail {
			return false
		}
	}
	return true
}

// StepFailRate reports per-step failure rates at unit and attempt
// granularity.
type StepFailRate struct {
	Step             string  `json:"test_step"`
	TotalUnits       int     `json:"total_units"`
	FailedUnits      int     `json:"failed_units"`
	FailRateUnits    float64 `json:"fail_rate_units"`
	TotalEvents      int     `json:"total_events"`
	FailedEvents     int     `json:"failed_events"`
	FailRateAttempts float64 `json:"fail_rate_attempts"`
}

// StepFailRates computes per-step rates, sorted by step id. planSteps is
// the full step list a unit must complete; pass nil to derive it from the
// union of steps observed in the log. The unit denominator is always the
// total unit count, and a unit missing a step entirely counts against that
// step's failed units.
func StepFailRates(events []eventlog.StepEvent, planSteps []string) []StepFailRate {
	if planSteps == nil {
		planSteps = observedSteps(events)
	}
	instances := groupInstances(events)
	sns := observedSNs(events)

	type agg struct {
		total  int
		failed int
	}
	attempts := make(map[string]*agg)
	for _, e := range events {
		a, ok := attempts[e.TestStep]
		if !ok {
			a = &agg{}
			attempts[e.TestStep] = a
		}
		a.total++
		if !e.Passed {
			a.failed++
		}
	}

	out := make([]StepFailRate, 0, len(planSteps))
	for _, step := range planSteps {
		r := StepFailRate{Step: step, TotalUnits: len(sns)}
		for _, sn := range sns {
			in, ok := instances[instanceKey{sn: sn, step: step}]
			if !ok || in.anyFail {
				r.FailedUnits++
			}
		}
		if a := attempts[step]; a != nil {
			r.TotalEvents = a.total
			r.FailedEvents = a.failed
		}
		if r.TotalUnits > 0 {
			r.FailRateUnits = float64(r.FailedUnits) / float64(r.TotalUnits)
		}
		if r.TotalEvents > 0 {
			r.FailRateAttempts = float64(r.FailedEvents) / float64(r.TotalEvents)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

// ParetoEntry is one key's failure count.
type ParetoEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// ParetoSet holds the three failure rankings.
type ParetoSet struct {
	ByStep  []ParetoEntry `json:"by_step"`
	ByError []ParetoEntry `json:"by_error"`
	ByBatch []ParetoEntry `json:"by_batch"`
}

// Pareto counts failed events (not instances) along each dimension,
// sorted by descending count with ties broken by ascending key.
func Pareto(events []eventlog.StepEvent) ParetoSet {
	byStep := make(map[string]int)
	byError := make(map[string]int)
	byBatch := make(map[string]int)
	for _, e := range events {
		if e.Passed {
			continue
		}
		byStep[e.TestStep]++
		code := "UNKNOWN"
		if e.ErrorCode != nil && *e.ErrorCode != "" {
			code = *e.ErrorCode
		}
		byError[code]++
		byBatch[e.BatchID]++
	}
	return ParetoSet{
		ByStep:  rankPareto(byStep),
		ByError: rankPareto(byError),
		ByBatch: rankPareto(byBatch),
	}
}

func rankPareto(counts map[string]int) []ParetoEntry {
	out := make([]ParetoEntry, 0, len(counts))
	for k, n := range counts {
		out = append(out, ParetoEntry{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}
