// Package plan loads and validates the declarative test plan document.
// A plan is read-only after load; stage gating happens on access, never
// by mutating the step list.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks plan documents that fail validation. Callers map it to
// the configuration-error exit status.
var ErrInvalid = errors.New("invalid plan")

// Manufacturing maturity stages.
var validStages = map[string]bool{
	"EVT": true,
	"DVT": true,
	"PVT": true,
	"MP":  true,
}

// Validation bounds for step records.
const (
	maxRetries   = 10
	maxBackoffMs = 10000
	maxTimeoutS  = 30.0
	maxSNCount   = 1000
)

// Plan is the full test plan document.
type Plan struct {
	Meta    Meta    `yaml:"plan"`
	Station Station `yaml:"station"`
	Batch   Batch   `yaml:"batch"`
	Steps   []Step  `yaml:"steps"`
}

type Meta struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type Station struct {
	Name       string `yaml:"name"`
	Stage      string `yaml:"stage"`
	FWExpected string `yaml:"fw_expected"`
}

type Batch struct {
	SNCount int `yaml:"sn_count"`
}

// Step is one plan entry. Params carry command arguments beyond the SN,
// for example temp_c for SET_TEMP.
type Step struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Cmd       string         `yaml:"cmd"`
	Params    map[string]any `yaml:"params"`
	Retries   int            `yaml:"retries"`
	BackoffMs int            `yaml:"backoff_ms"`
	TimeoutS  float64        `yaml:"timeout_s"`
	Limits    *Limits        `yaml:"limits"`
	ReqIDs    []string       `yaml:"req_ids"`
	Stages    []string       `yaml:"stages"`
}

// Limits constrain one field of the response data: either an exact-match
// equals, or a numeric range with optional min/max. Mixing the two forms
// is invalid.
type Limits struct {
	Field  string   `yaml:"field"`
	Equals *any     `yaml:"equals"`
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
	Units  string   `yaml:"units"`
}

// AppliesTo reports whether the step runs at the given stage.
func (s Step) AppliesTo(stage string) bool {
	for _, st := range s.Stages {
		if st == stage {
			return true
		}
	}
	return false
}

// GatedSteps returns the steps applicable to the plan's station stage, in
// declaration order.
func (p *Plan) GatedSteps() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.AppliesTo(p.Station.Stage) {
			out = append(out, s)
		}
	}
	return out
}

// Load reads and validates a plan document.
func Load(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Parse(raw)
}

// Parse validates a plan document from raw YAML.
func Parse(raw []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) validate() error {
	if p.Meta.Name == "" {
		return fmt.Errorf("%w: plan.name is required", ErrInvalid)
	}
	if !validStages[p.Station.Stage] {
		return fmt.Errorf("%w: station.stage %q is not one of EVT, DVT, PVT, MP", ErrInvalid, p.Station.Stage)
	}
	if p.Batch.SNCount < 1 || p.Batch.SNCount > maxSNCount {
		return fmt.Errorf("%w: batch.sn_count %d outside [1, %d]", ErrInvalid, p.Batch.SNCount, maxSNCount)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: steps must be non-empty", ErrInvalid)
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		where := fmt.Sprintf("steps[%d] (%s)", i, s.ID)
		if s.ID == "" {
			return fmt.Errorf("%w: steps[%d]: id is required", ErrInvalid, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalid, s.ID)
		}
		seen[s.ID] = true

		if s.Cmd == "" {
			return fmt.Errorf("%w: %s: cmd is required", ErrInvalid, where)
		}
		if s.Retries < 0 || s.Retries > maxRetries {
			return fmt.Errorf("%w: %s: retries %d outside [0, %d]", ErrInvalid, where, s.Retries, maxRetries)
		}
		if s.BackoffMs < 0 || s.BackoffMs > maxBackoffMs {
			return fmt.Errorf("%w: %s: backoff_ms %d outside [0, %d]", ErrInvalid, where, s.BackoffMs, maxBackoffMs)
		}
		if s.TimeoutS <= 0 || s.TimeoutS > maxTimeoutS {
			return fmt.Errorf("%w: %s: timeout_s %v outside (0, %v]", ErrInvalid, where, s.TimeoutS, maxTimeoutS)
		}
		if len(s.ReqIDs) == 0 {
			return fmt.Errorf("%w: %s: req_ids must be non-empty", ErrInvalid, where)
		}
		for _, r := range s.ReqIDs {
			if !strings.HasPrefix(r, "REQ-") {
				return fmt.Errorf("%w: %s: req_id %q must start with REQ-", ErrInvalid, where, r)
			}
		}
		if len(s.Stages) == 0 {
			return fmt.Errorf("%w: %s: stages must be non-empty", ErrInvalid, where)
		}
		for _, st := range s.Stages {
			if !validStages[st] {
				return fmt.Errorf("%w: %s: stage %q is not one of EVT, DVT, PVT, MP", ErrInvalid, where, st)
			}
		}
		if s.Limits != nil {
			if err := s.Limits.validate(); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, where, err)
			}
		}
	}
	return nil
}

func (l *Limits) validate() error {
	if l.Field == "" {
		return errors.New("limits.field is required")
	}
	hasEquals := l.Equals != nil
	hasRange := l.Min != nil || l.Max != nil
	switch {
	case hasEquals && hasRange:
		return errors.New("limits cannot mix equals with min/max")
	case !hasEquals && !hasRange:
		return errors.New("limits needs equals or at least one of min/max")
	}
	if l.Min != nil && l.Max != nil && *l.Min > *l.Max {
		return errors.New("limits.min exceeds limits.max")
	}
	return nil
}
