package fault

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mtaplabs/mtap/internal/protocol"
)

// ActionKind enumerates the injector's per-request verdicts.
type ActionKind int

const (
	// ActionPass lets the request through to the device model.
	ActionPass ActionKind = iota
	// ActionRespond short-circuits with an error response.
	ActionRespond
	// ActionDelay sleeps, then proceeds to the device model.
	ActionDelay
	// ActionDrop sleeps, then closes the connection without a reply.
	ActionDrop
)

// Action is the outcome of one injector evaluation.
type Action struct {
	Kind      ActionKind
	ErrorCode string
	Message   string
	Delay     time.Duration
}

// Markov chain states.
const (
	stateGood = "GOOD"
	stateBad  = "BAD"
)

// context tracks per-(sn, command) injector state. It survives profile
// switches.
type context struct {
	markovState string
	lastCmd     time.Time
}

// Injector makes one PASS/RESPOND/DELAY/DROP decision per request. It is
// not safe for concurrent use on its own; the server's dispatch lock
// serialises it together with the shared RNG.
type Injector struct {
	rng     *rand.Rand
	clock   clockwork.Clock
	profile *Profile
	ctx     map[ctxKey]*context
}

type ctxKey struct {
	sn  string
	cmd string
}

// NewInjector builds an injector over a shared seeded RNG and the active
// profile.
func NewInjector(rng *rand.Rand, clock clockwork.Clock, profile *Profile) *Injector {
	if profile == nil {
		profile = &Profile{}
	}
	return &Injector{
		rng:     rng,
		clock:   clock,
		profile: profile,
		ctx:     make(map[ctxKey]*context),
	}
}

// SetProfile swaps the active profile. Existing contexts, including Markov
// state, survive the switch.
func (in *Injector) SetProfile(p *Profile) {
	if p == nil {
		p = &Profile{}
	}
	in.profile = p
}

// Profile returns the active profile.
func (in *Injector) Profile() *Profile {
	return in.profile
}

func (in *Injector) ctxFor(sn, cmd string) *context {
	key := ctxKey{sn: sn, cmd: cmd}
	c, ok := in.ctx[key]
	if !ok {
		c = &context{markovState: stateGood}
		in.ctx[key] = c
	}
	return c
}

// markovStep advances the per-(sn, cmd) chain by one transition and returns
// the post-transition state. Disabled chains stay GOOD and draw nothing.
func (in *Injector) markovStep(sn, cmd string) string {
	m := in.profile.Markov
	if !m.Enabled {
		return stateGood
	}
	c := in.ctxFor(sn, cmd)
	switch c.markovState {
	case stateGood:
		if in.rng.Float64() < m.PGoodToBad {
			c.markovState = stateBad
		}
	case stateBad:
		if in.rng.Float64() < m.PBadToGood {
			c.markovState = stateGood
		}
	}
	return c.markovState
}

// burnInEffect scales fail probability and drift with accumulated cycles.
func (in *Injector) burnInEffect(cfg BurnInConfig, cycles int) (failMult, driftMult float64) {
	k := float64(cycles) / 1000.0
	failMult = 1.0 + cfg.FailPMultiplierPer1kCycles*k
	driftMult = 1.0 + cfg.DriftMultiplierPer1kCycles*k
	if failMult < 0 {
		failMult = 0
	}
	if driftMult < 0 {
		driftMult = 0
	}
	return failMult, driftMult
}

// ApplyDrift returns the updated cumulative drift offsets for one request.
// The caller stores the result back into the device state.
func (in *Injector) ApplyDrift(cmd string, cycles int, tempOffsetC, vbatOffsetV float64) (float64, float64) {
	cfg := in.profile.ConfigFor(cmd)
	_, driftMult := in.burnInEffect(cfg.BurnIn, cycles)
	return tempOffsetC + cfg.Drift.TempOffsetPerCycleC*driftMult,
		vbatOffsetV + cfg.Drift.VbatOffsetPerCycleV*driftMult
}

// ShouldFail draws the synthetic-fail decision for one request, stepping
// the Markov chain. Exposed for burst characterisation; Evaluate uses the
// same math with a single shared chain step.
func (in *Injector) ShouldFail(cmd, sn string, cycles int) bool {
	cfg := in.profile.ConfigFor(cmd)
	return in.failDraw(cfg, cycles, in.markovStep(sn, cmd))
}

func (in *Injector) failDraw(cfg CommandConfig, cycles int, markovState string) bool {
	failMult, _ := in.burnInEffect(cfg.BurnIn, cycles)
	p := cfg.Fail.P * failMult
	if markovState == stateBad {
		p += in.profile.Markov.FailPBadState
	}
	if p > 1 {
		p = 1
	}
	if p <= 0 {
		return false
	}
	return in.rng.Float64() < p
}

// Evaluate returns exactly one action for an incoming (cmd, sn) request.
//
// Precedence: BUSY rate-limit, BUSY probabilistic, synthetic fail, timeout,
// pass. The rate-limit gate compares against the previous request's arrival
// and records the current arrival before evaluating, so the gate is
// per-request-arrival and the first request always clears it. The Markov
// chain steps exactly once; the fail and timeout additions both observe the
// post-transition state.
func (in *Injector) Evaluate(cmd, sn string, cycles int) Action {
	cfg := in.profile.ConfigFor(cmd)
	c := in.ctxFor(sn, cmd)

	now := in.clock.Now()
	prev := c.lastCmd
	c.lastCmd = now

	if cfg.Busy.MinIntervalMs > 0 && !prev.IsZero() {
		if now.Sub(prev) < time.Duration(cfg.Busy.MinIntervalMs)*time.Millisecond {
			return Action{
				Kind:      ActionRespond,
				ErrorCode: protocol.ErrBusy,
				Message:   fmt.Sprintf("Rate-limited: min_interval_ms=%d", cfg.Busy.MinIntervalMs),
			}
		}
	}

	if cfg.Busy.P > 0 && in.rng.Float64() < cfg.Busy.P {
		return Action{
			Kind:      ActionRespond,
			ErrorCode: protocol.ErrBusy,
			Message:   "Simulated resource contention (BUSY)",
		}
	}

	markovState := in.markovStep(sn, cmd)

	if in.failDraw(cfg, cycles, markovState) {
		return Action{
			Kind:      ActionRespond,
			ErrorCode: protocol.ErrInternal,
			Message:   "Simulated intermittent/internal fault",
		}
	}

	if to := in.timeoutDraw(cfg, markovState); to.should {
		kind := ActionDelay
		if to.mode == "drop" {
			kind = ActionDrop
		}
		return Action{Kind: kind, Delay: to.delay}
	}

	return Action{Kind: ActionPass}
}

type timeoutDecision struct {
	should bool
	mode   string
	delay  time.Duration
}

func (in *Injector) timeoutDraw(cfg CommandConfig, markovState string) timeoutDecision {
	p := cfg.Timeout.P

	var delay time.Duration
	if cfg.Timeout.DelayHi > 0 {
		delay = secondsToDuration(cfg.Timeout.DelayLo + in.rng.Float64()*(cfg.Timeout.DelayHi-cfg.Timeout.DelayLo))
	}

	if markovState == stateBad {
		m := in.profile.Markov
		p += m.TimeoutPBadState
		if len(m.TimeoutDelayS) == 2 && m.TimeoutDelayS[1] > 0 {
			delay = secondsToDuration(m.TimeoutDelayS[0] + in.rng.Float64()*(m.TimeoutDelayS[1]-m.TimeoutDelayS[0]))
		}
	}
	if p > 1 {
		p = 1
	}

	mode := cfg.Timeout.Mode
	if mode != "drop" {
		mode = "delay"
	}

	if p <= 0 {
		return timeoutDecision{}
	}
	return timeoutDecision{should: in.rng.Float64() < p, mode: mode, delay: delay}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
