package analytics

import (
	"sort"

	"github.com/mtaplabs/mtap/internal/eventlog"
)

// Stratification dimensions taken directly from event fields.
const (
	StratFWVersion = "fw_version"
	StratStage     = "stage"
	StratBatchID   = "batch_id"
	StratTempBin   = "temp_bin"
)

// StratumRow reports FTY for one group of units.
type StratumRow struct {
	Group    string  `json:"group"`
	Units    int     `json:"units"`
	FTYUnits int     `json:"fty_units"`
	FTY      float64 `json:"fty"`
}

// Stratify computes FTY per group along one of the field dimensions.
// Each SN is assigned the first-seen value of the field across its
// events. Rows sort by group key ascending.
func Stratify(events []eventlog.StepEvent, dimension string) []StratumRow {
	if dimension == StratTempBin {
		return stratifyTempBin(events)
	}

	assign := make(map[string]string)
	for _, e := range events {
		if _, ok := assign[e.SN]; ok {
			continue
		}
		switch dimension {
		case StratFWVersion:
			assign[e.SN] = e.FWVersion
		case StratStage:
			assign[e.SN] = e.Stage
		case StratBatchID:
			assign[e.SN] = e.BatchID
		}
	}
	return ftyByGroup(events, assign)
}

// stratifyTempBin bins each SN by the average of its temp_c measurement
// values on passing events. SNs without temperature data are excluded.
func stratifyTempBin(events []eventlog.StepEvent) []StratumRow {
	sum := make(map[string]float64)
	n := make(map[string]int)
	for _, e := range events {
		if !e.Passed || e.Measurement != "temp_c" || e.Value == nil {
			continue
		}
		sum[e.SN] += *e.Value
		n[e.SN]++
	}

	assign := make(map[string]string, len(sum))
	for sn := range sum {
		assign[sn] = tempBin(sum[sn] / float64(n[sn]))
	}
	return ftyByGroup(events, assign)
}

func tempBin(avg float64) string {
	switch {
	case avg < 20:
		return "<20C"
	case avg < 30:
		return "20-30C"
	case avg < 40:
		return "30-40C"
	default:
		return ">=40C"
	}
}

// ftyByGroup computes per-group FTY over the SNs present in assign.
func ftyByGroup(events []eventlog.StepEvent, assign map[string]string) []StratumRow {
	steps := observedSteps(events)
	instances := groupInstances(events)

	type agg struct{ units, passed int }
	groups := make(map[string]*agg)
	for sn, group := range assign {
		a, ok := groups[group]
		if !ok {
			a = &agg{}
			groups[group] = a
		}
		a.units++
		if unitPassesFTY(instances, sn, steps) {
			a.passed++
		}
	}

	out := make([]StratumRow, 0, len(groups))
	for g, a := range groups {
		r := StratumRow{Group: g, Units: a.units, FTYUnits: a.passed}
		if a.units > 0 {
			r.FTY = float64(a.passed) / float64(a.units)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}
