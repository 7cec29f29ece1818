// Package device implements the per-SN stateful DUT model: temperature and
// voltage signals with noise, burn-in cycle drift, and self-test outcomes.
package device

import (
	"math"
	"math/rand"
	"strings"

	"github.com/jonboulle/clockwork"
)

// Operating modes.
const (
	ModeNormal = "NORMAL"
	ModeSafe   = "SAFE"
)

// Physical clamp limits.
const (
	TempMinC = -40.0
	TempMaxC = 125.0
	VbatMinV = 9.0
	VbatMaxV = 16.0
)

// Defaults seeds newly created devices. Field names follow the DUT config
// document's device_defaults section.
type Defaults struct {
	FW                 string  `yaml:"fw"`
	Mode               string  `yaml:"mode"`
	TempC              float64 `yaml:"temp_c"`
	VbatV              float64 `yaml:"vbat_v"`
	TempNoiseSigma     float64 `yaml:"temp_noise_sigma"`
	VbatNoiseSigma     float64 `yaml:"vbat_noise_sigma"`
	TempDriftPerCycleC float64 `yaml:"temp_drift_per_cycle_c"`
	VbatDriftPerCycleV float64 `yaml:"vbat_drift_per_cycle_v"`
	SelfTestFailPBase  float64 `yaml:"self_test_fail_p_base"`
	BurnInFailSlope    float64 `yaml:"burn_in_fail_slope"`
}

// DefaultDefaults returns the built-in device seed used when the DUT config
// omits device_defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		FW:                "1.0.0",
		Mode:              ModeNormal,
		TempC:             25.0,
		VbatV:             12.0,
		TempNoiseSigma:    0.05,
		VbatNoiseSigma:    0.02,
		SelfTestFailPBase: 0.01,
		BurnInFailSlope:   0.00005,
	}
}

func (d Defaults) normalized() Defaults {
	if d.FW == "" {
		d.FW = "1.0.0"
	}
	d.Mode = strings.ToUpper(strings.TrimSpace(d.Mode))
	if d.Mode != ModeNormal && d.Mode != ModeSafe {
		d.Mode = ModeNormal
	}
	return d
}

// State is the mutable per-SN device state. It lives for the duration of
// the server process.
type State struct {
	SN   string
	FW   string
	Mode string

	TempC float64
	VbatV float64

	TempNoiseSigma float64
	VbatNoiseSigma float64

	TempDriftPerCycleC float64
	VbatDriftPerCycleV float64

	// Fault-profile-induced offsets, accumulated by the injector.
	DriftOffsetC float64
	DriftOffsetV float64

	SelfTestFailPBase float64
	BurnInFailSlope   float64

	Cycles      int
	LastUpdateS float64
}

// Model is the collection of simulated devices. It is not safe for
// concurrent use; the DUT server serialises access under its dispatch lock
// because the RNG is shared with the fault injector.
type Model struct {
	rng      *rand.Rand
	clock    clockwork.Clock
	defaults Defaults
	devices  map[string]*State
}

// NewModel builds a model around a shared seeded RNG.
func NewModel(rng *rand.Rand, clock clockwork.Clock, defaults Defaults) *Model {
	return &Model{
		rng:      rng,
		clock:    clock,
		defaults: defaults.normalized(),
		devices:  make(map[string]*State),
	}
}

// GetOrCreate resolves the state for sn, creating it from defaults on first
// reference.
func (m *Model) GetOrCreate(sn string) *State {
	if d, ok := m.devices[sn]; ok {
		return d
	}
	def := m.defaults
	d := &State{
		SN:                 sn,
		FW:                 def.FW,
		Mode:               def.Mode,
		TempC:              def.TempC,
		VbatV:              def.VbatV,
		TempNoiseSigma:     def.TempNoiseSigma,
		VbatNoiseSigma:     def.VbatNoiseSigma,
		TempDriftPerCycleC: def.TempDriftPerCycleC,
		VbatDriftPerCycleV: def.VbatDriftPerCycleV,
		SelfTestFailPBase:  def.SelfTestFailPBase,
		BurnInFailSlope:    def.BurnInFailSlope,
		LastUpdateS:        nowSeconds(m.clock),
	}
	m.devices[sn] = d
	return d
}

// updateSignals applies the small time-proportional random walk and clamps
// to physical limits. SAFE mode is more stable than NORMAL.
func (m *Model) updateSignals(d *State) {
	now := nowSeconds(m.clock)
	dt := now - d.LastUpdateS
	if dt < 0 {
		dt = 0
	}
	d.LastUpdateS = now

	wander := 0.01
	vWander := 0.005
	if d.Mode == ModeSafe {
		wander = 0.005
		vWander = 0.003
	}
	d.TempC += wander * dt * (m.rng.Float64() - 0.5)
	d.VbatV += vWander * dt * (m.rng.Float64() - 0.5)

	d.TempC = clamp(d.TempC, TempMinC, TempMaxC)
	d.VbatV = clamp(d.VbatV, VbatMinV, VbatMaxV)
}

// applyBurnIn advances the cycle counter and shifts the true signals by the
// per-cycle drift constants.
func (m *Model) applyBurnIn(d *State) {
	d.Cycles++
	d.TempC += d.TempDriftPerCycleC
	d.VbatV += d.VbatDriftPerCycleV
}

// Ping reports identity and battery voltage without advancing burn-in.
func (m *Model) Ping(sn string) map[string]any {
	d := m.GetOrCreate(sn)
	m.updateSignals(d)
	return map[string]any{
		"sn":     d.SN,
		"fw":     d.FW,
		"mode":   d.Mode,
		"vbat_v": round4(d.VbatV + d.DriftOffsetV),
	}
}

// ReadTemp advances burn-in and returns a noisy temperature and voltage
// measurement.
func (m *Model) ReadTemp(sn string) map[string]any {
	d := m.GetOrCreate(sn)
	m.applyBurnIn(d)
	m.updateSignals(d)

	tempTrue := d.TempC + d.DriftOffsetC
	vbatTrue := d.VbatV + d.DriftOffsetV

	tempMeas := tempTrue + m.rng.NormFloat64()*d.TempNoiseSigma
	vbatMeas := vbatTrue + m.rng.NormFloat64()*d.VbatNoiseSigma

	return map[string]any{
		"sn":     d.SN,
		"temp_c": round4(tempMeas),
		"vbat_v": round4(vbatMeas),
		"cycles": d.Cycles,
	}
}

// SelfTest advances burn-in and draws a pass/fail outcome whose failure
// probability grows with accumulated cycles.
func (m *Model) SelfTest(sn string) map[string]any {
	d := m.GetOrCreate(sn)
	m.applyBurnIn(d)
	m.updateSignals(d)

	pFail := d.SelfTestFailPBase + d.BurnInFailSlope*float64(d.Cycles)
	if d.Mode == ModeSafe {
		pFail *= 0.7
	}
	failed := m.rng.Float64() < pFail

	return map[string]any{
		"sn":           d.SN,
		"self_test_ok": !failed,
		"p_fail":       round6(pFail),
		"cycles":       d.Cycles,
	}
}

// SetTemp forces the true temperature. Range validation happens at the
// protocol layer; the model clamps nothing here.
func (m *Model) SetTemp(sn string, tempC float64) map[string]any {
	d := m.GetOrCreate(sn)
	d.TempC = tempC
	return map[string]any{"sn": d.SN, "temp_c": round4(d.TempC)}
}

// SetMode switches NORMAL/SAFE; unknown modes fall back to NORMAL.
func (m *Model) SetMode(sn, mode string) map[string]any {
	d := m.GetOrCreate(sn)
	mo := strings.ToUpper(strings.TrimSpace(mode))
	if mo != ModeNormal && mo != ModeSafe {
		mo = ModeNormal
	}
	d.Mode = mo
	return map[string]any{"sn": d.SN, "mode": d.Mode}
}

func nowSeconds(c clockwork.Clock) float64 {
	return float64(c.Now().UnixNano()) / 1e9
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
