// Package runner executes a test plan against a DUT endpoint: stage-gated
// steps per serial number, bounded retries with constant backoff, limit
// evaluation, and one event emitted per attempt.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/mtaplabs/mtap/internal/client"
	"github.com/mtaplabs/mtap/internal/eventlog"
	"github.com/mtaplabs/mtap/internal/plan"
	"github.com/mtaplabs/mtap/internal/protocol"
	"github.com/mtaplabs/mtap/internal/telemetry"
)

// Options identifies the run and supplies ambient dependencies.
type Options struct {
	RunID     string
	BatchID   string
	StationID string
	Logger    *slog.Logger
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.Tracer
	Clock     clockwork.Clock
}

// Runner drives one batch. Execution is single-task sequential: SN order
// is the caller's list order, step order is the plan's declared order.
type Runner struct {
	plan    *plan.Plan
	client  *client.Client
	events  *eventlog.RunLogger
	log     *slog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	clock   clockwork.Clock

	runID     string
	batchID   string
	stationID string
}

// New builds a runner over an already-validated plan and an open event
// logger.
func New(p *plan.Plan, c *client.Client, events *eventlog.RunLogger, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Runner{
		plan:      p,
		client:    c,
		events:    events,
		log:       opts.Logger.With("component", "runner"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		clock:     opts.Clock,
		runID:     opts.RunID,
		batchID:   opts.BatchID,
		stationID: opts.StationID,
	}
}

// SNSummary is one unit's outcome.
type SNSummary struct {
	SN          string   `json:"sn"`
	FWVersion   string   `json:"fw_version"`
	Passed      bool     `json:"passed"`
	FailedSteps []string `json:"failed_steps,omitempty"`
}

// RunSummary is the batch outcome persisted as results_summary.json.
type RunSummary struct {
	RunID       string      `json:"run_id"`
	BatchID     string      `json:"batch_id"`
	StationID   string      `json:"station_id"`
	Stage       string      `json:"stage"`
	PlanName    string      `json:"plan_name"`
	PlanVersion string      `json:"plan_version"`
	StartedAt   string      `json:"started_at"`
	FinishedAt  string      `json:"finished_at"`
	OverallPass bool        `json:"overall_pass"`
	Units       []SNSummary `json:"units"`
	Station     any         `json:"station_host,omitempty"`
}

// RunBatch executes the stage-gated plan for each SN in order. The batch
// passes iff every SN passes.
func (r *Runner) RunBatch(ctx context.Context, sns []string) (*RunSummary, error) {
	steps := r.plan.GatedSteps()
	if len(steps) == 0 {
		return nil, fmt.Errorf("no steps applicable to stage %s", r.plan.Station.Stage)
	}

	summary := &RunSummary{
		RunID:       r.runID,
		BatchID:     r.batchID,
		StationID:   r.stationID,
		Stage:       r.plan.Station.Stage,
		PlanName:    r.plan.Meta.Name,
		PlanVersion: r.plan.Meta.Version,
		StartedAt:   r.now(),
		OverallPass: true,
	}

	for _, sn := range sns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unit, err := r.runSN(ctx, sn, steps)
		if err != nil {
			return nil, err
		}
		r.metrics.RecordUnit(ctx, unit.Passed)
		if !unit.Passed {
			summary.OverallPass = false
		}
		summary.Units = append(summary.Units, unit)
	}

	summary.FinishedAt = r.now()
	r.log.Info("batch finished",
		"run_id", r.runID,
		"units", len(summary.Units),
		"overall_pass", summary.OverallPass)
	return summary, nil
}

func (r *Runner) runSN(ctx context.Context, sn string, steps []plan.Step) (SNSummary, error) {
	unit := SNSummary{SN: sn, Passed: true}

	// Firmware discovery: one probe, never retried, never logged as a
	// plan step.
	unit.FWVersion = "unknown"
	if res := r.client.Send(ctx, protocol.CmdPing, sn); res.OK {
		if fw, ok := res.Data["fw"].(string); ok && fw != "" {
			unit.FWVersion = fw
		}
	}
	r.log.Info("unit start", "sn", sn, "fw", unit.FWVersion)

	for _, step := range steps {
		passed, err := r.runStep(ctx, sn, unit.FWVersion, step)
		if err != nil {
			return unit, err
		}
		if !passed {
			unit.Passed = false
			unit.FailedSteps = append(unit.FailedSteps, step.ID)
		}
	}
	return unit, nil
}

// runStep loops attempts 1..retries+1 and emits exactly one event per
// attempt. The returned bool is the final outcome.
func (r *Runner) runStep(ctx context.Context, sn, fw string, step plan.Step) (bool, error) {
	bo := backoff.NewConstantBackOff(time.Duration(step.BackoffMs) * time.Millisecond)
	bo.Reset()

	ctx, span := r.tracer.StartStepSpan(ctx, telemetry.StepSpanOptions{
		RunID:   r.runID,
		BatchID: r.batchID,
		SN:      sn,
		Step:    step.ID,
		Command: step.Cmd,
	})
	defer span.End()

	for attempt := 1; attempt <= step.Retries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		outcome := r.attempt(ctx, sn, step)
		willRetry := !outcome.passed && attempt <= step.Retries

		// Only retried attempts carry a reason; terminal failures leave
		// it null.
		var retryReason any
		if willRetry {
			retryReason = outcome.errorCode
			if retryReason == "" {
				retryReason = "UNKNOWN"
			}
		}

		e := eventlog.StepEvent{
			SchemaVersion:  eventlog.SchemaVersion,
			Timestamp:      r.now(),
			RunID:          r.runID,
			BatchID:        r.batchID,
			StationID:      r.stationID,
			Stage:          r.plan.Station.Stage,
			SN:             sn,
			FWVersion:      fw,
			TestStep:       step.ID,
			Command:        step.Cmd,
			Attempt:        attempt,
			RetryCount:     attempt - 1,
			RetriesAllowed: step.Retries,
			TimeoutS:       step.TimeoutS,
			BackoffMs:      step.BackoffMs,
			DurationMs:     outcome.durationMs,
			Passed:         outcome.passed,
			Measurement:    outcome.measurement,
			Value:          outcome.value,
			Units:          outcome.units,
			Message:        outcome.message,
			Data: map[string]any{
				"step_name":    step.Name,
				"req_ids":      step.ReqIDs,
				"will_retry":   willRetry,
				"retry_reason": retryReason,
				"raw":          outcome.raw,
			},
		}
		if !outcome.passed {
			code := outcome.errorCode
			e.ErrorCode = &code
		}
		if err := r.events.Append(e); err != nil {
			return false, fmt.Errorf("append event: %w", err)
		}

		r.metrics.RecordAttempt(ctx, step.ID, step.Cmd, outcome.durationMs, outcome.passed)
		if outcome.passed {
			return true, nil
		}
		r.metrics.RecordFailure(ctx, step.ID, outcome.errorCode)
		telemetry.RecordSpanFailure(span, outcome.errorCode, willRetry)

		if !willRetry {
			r.log.Warn("step failed",
				"sn", sn, "step", step.ID, "attempt", attempt, "error_code", outcome.errorCode)
			return false, nil
		}
		r.metrics.RecordRetry(ctx, step.ID)
		telemetry.RecordSpanRetry(span, attempt, fmt.Sprint(retryReason))
		r.log.Debug("retrying step",
			"sn", sn, "step", step.ID, "attempt", attempt, "reason", retryReason)
		r.clock.Sleep(bo.NextBackOff())
	}
	return false, nil
}

// attemptOutcome is the runner's view of one exchange plus limit checks.
type attemptOutcome struct {
	passed      bool
	errorCode   string
	message     string
	durationMs  float64
	measurement string
	value       *float64
	units       string
	raw         string
}

func (r *Runner) attempt(ctx context.Context, sn string, step plan.Step) attemptOutcome {
	args := commandArgs(sn, step.Params)
	timeout := time.Duration(step.TimeoutS * float64(time.Second))

	start := r.clock.Now()
	res := r.client.SendTimeout(ctx, timeout, step.Cmd, args...)
	durationMs := float64(r.clock.Since(start)) / float64(time.Millisecond)

	out := attemptOutcome{
		durationMs: durationMs,
		message:    res.Message,
		raw:        res.Raw,
	}
	if !res.OK {
		out.errorCode = res.ErrorCode
		return out
	}

	if step.Limits != nil {
		verdict := evaluateLimits(step.Limits, res.Data)
		out.measurement = verdict.measurement
		out.value = verdict.value
		out.units = verdict.units
		if !verdict.passed {
			out.errorCode = protocol.ErrLimitFail
			out.message = verdict.message
			return out
		}
	} else if step.Cmd == protocol.CmdReadTemp {
		// No limits declared; still record the primary measurement so
		// temperature stratification has data.
		if v, ok := numeric(res.Data["temp_c"]); ok {
			out.measurement = "temp_c"
			out.value = &v
			out.units = "C"
		}
	}

	out.passed = true
	return out
}

// commandArgs renders step params as wire arguments after the SN, in
// sorted key order for determinism.
func commandArgs(sn string, params map[string]any) []string {
	args := []string{sn}
	if len(params) == 0 {
		return args
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprint(params[k]))
	}
	return args
}

func (r *Runner) now() string {
	return r.clock.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}
