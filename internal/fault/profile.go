// Package fault implements seeded fault injection for the DUT simulator:
// per-command timeout/fail/busy/drift toggles merged from named profiles,
// burn-in scaling, and a two-state Markov chain for bursty intermittents.
package fault

// Profile is an immutable named fault profile as loaded from the DUT
// config. Per-command sections overlay the default section key by key; the
// merge never mutates the profile document.
type Profile struct {
	Default    Overlay            `yaml:"default"`
	PerCommand map[string]Overlay `yaml:"per_command"`
	Markov     MarkovConfig       `yaml:"intermittent_markov"`
}

// Overlay holds the optional per-section settings. Nil pointers mean "not
// set here"; resolution falls back to the default section, then to zero.
type Overlay struct {
	Timeout *TimeoutOverlay `yaml:"timeout"`
	Fail    *FailOverlay    `yaml:"fail"`
	Drift   *DriftOverlay   `yaml:"drift"`
	BurnIn  *BurnInOverlay  `yaml:"burn_in"`
	Busy    *BusyOverlay    `yaml:"busy"`
}

type TimeoutOverlay struct {
	P      *float64  `yaml:"p"`
	Mode   *string   `yaml:"mode"`
	DelayS []float64 `yaml:"delay_s"`
}

type FailOverlay struct {
	P *float64 `yaml:"p"`
}

type DriftOverlay struct {
	TempOffsetPerCycleC *float64 `yaml:"temp_offset_per_cycle_c"`
	VbatOffsetPerCycleV *float64 `yaml:"vbat_offset_per_cycle_v"`
}

type BurnInOverlay struct {
	FailPMultiplierPer1kCycles *float64 `yaml:"fail_p_multiplier_per_1k_cycles"`
	DriftMultiplierPer1kCycles *float64 `yaml:"drift_multiplier_per_1k_cycles"`
}

type BusyOverlay struct {
	MinIntervalMs *int     `yaml:"min_interval_ms"`
	P             *float64 `yaml:"p"`
}

// MarkovConfig configures the two-state intermittent chain. When enabled,
// the chain steps once per action evaluation and a BAD state adds to both
// the fail and timeout probabilities of that evaluation.
type MarkovConfig struct {
	Enabled          bool      `yaml:"enabled"`
	PGoodToBad       float64   `yaml:"p_good_to_bad"`
	PBadToGood       float64   `yaml:"p_bad_to_good"`
	FailPBadState    float64   `yaml:"fail_p_bad_state"`
	TimeoutPBadState float64   `yaml:"timeout_p_bad_state"`
	TimeoutDelayS    []float64 `yaml:"timeout_delay_s"`
}

// CommandConfig is the fully resolved configuration for one command.
type CommandConfig struct {
	Timeout TimeoutConfig
	Fail    FailConfig
	Drift   DriftConfig
	BurnIn  BurnInConfig
	Busy    BusyConfig
}

type TimeoutConfig struct {
	P       float64
	Mode    string // "delay" | "drop"
	DelayLo float64
	DelayHi float64
}

type FailConfig struct {
	P float64
}

type DriftConfig struct {
	TempOffsetPerCycleC float64
	VbatOffsetPerCycleV float64
}

type BurnInConfig struct {
	FailPMultiplierPer1kCycles float64
	DriftMultiplierPer1kCycles float64
}

type BusyConfig struct {
	MinIntervalMs int
	P             float64
}

// ConfigFor resolves the effective config for cmd: default section values
// overridden leaf-by-leaf by the per-command overlay.
func (p *Profile) ConfigFor(cmd string) CommandConfig {
	var per Overlay
	if p.PerCommand != nil {
		per = p.PerCommand[cmd]
	}

	cfg := CommandConfig{
		Timeout: TimeoutConfig{Mode: "delay"},
	}

	for _, o := range []Overlay{p.Default, per} {
		if t := o.Timeout; t != nil {
			if t.P != nil {
				cfg.Timeout.P = *t.P
			}
			if t.Mode != nil {
				cfg.Timeout.Mode = *t.Mode
			}
			if len(t.DelayS) == 2 {
				cfg.Timeout.DelayLo = t.DelayS[0]
				cfg.Timeout.DelayHi = t.DelayS[1]
			}
		}
		if f := o.Fail; f != nil && f.P != nil {
			cfg.Fail.P = *f.P
		}
		if d := o.Drift; d != nil {
			if d.TempOffsetPerCycleC != nil {
				cfg.Drift.TempOffsetPerCycleC = *d.TempOffsetPerCycleC
			}
			if d.VbatOffsetPerCycleV != nil {
				cfg.Drift.VbatOffsetPerCycleV = *d.VbatOffsetPerCycleV
			}
		}
		if b := o.BurnIn; b != nil {
			if b.FailPMultiplierPer1kCycles != nil {
				cfg.BurnIn.FailPMultiplierPer1kCycles = *b.FailPMultiplierPer1kCycles
			}
			if b.DriftMultiplierPer1kCycles != nil {
				cfg.BurnIn.DriftMultiplierPer1kCycles = *b.DriftMultiplierPer1kCycles
			}
		}
		if b := o.Busy; b != nil {
			if b.MinIntervalMs != nil {
				cfg.Busy.MinIntervalMs = *b.MinIntervalMs
			}
			if b.P != nil {
				cfg.Busy.P = *b.P
			}
		}
	}

	return cfg
}
