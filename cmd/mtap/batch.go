package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/mtaplabs/mtap/internal/analytics"
	"github.com/mtaplabs/mtap/internal/client"
	"github.com/mtaplabs/mtap/internal/config"
	"github.com/mtaplabs/mtap/internal/eventlog"
	"github.com/mtaplabs/mtap/internal/mirror"
	"github.com/mtaplabs/mtap/internal/plan"
	"github.com/mtaplabs/mtap/internal/report"
	"github.com/mtaplabs/mtap/internal/runner"
	"github.com/mtaplabs/mtap/internal/sysinfo"
	"github.com/mtaplabs/mtap/internal/telemetry"
	"github.com/mtaplabs/mtap/internal/trace"
)

func newBatchCmd() *cobra.Command {
	var (
		planPath     string
		reqPath      string
		addr         string
		runsDir      string
		batchID      string
		stationID    string
		snList       string
		snCount      int
		mirrorDB     bool
		otelExporter string
		otelEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a test batch against a DUT endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.LoadSettings()
			logger := setupLogger(cmd, settings)
			ctx := cmd.Context()

			p, err := plan.Load(planPath)
			if err != nil {
				return err
			}
			reg, err := trace.LoadRegistry(reqPath)
			if err != nil {
				return fmt.Errorf("%w: requirements registry: %v", plan.ErrInvalid, err)
			}

			// Traceability gate runs over the ungated plan, before any
			// DUT call.
			coverage, err := trace.Check(reg, p.Steps)
			if err != nil {
				return err
			}

			if addr == "" {
				addr = fmt.Sprintf("%s:%d", settings.Host, settings.DutPort)
			}
			if runsDir == "" {
				runsDir = settings.RunsDir
			}
			if batchID == "" {
				batchID = ulid.Make().String()
			}
			if stationID == "" {
				stationID = p.Station.Name
			}

			runID := time.Now().UTC().Format("20060102T150405") + "Z"
			runDir := filepath.Join(runsDir, runID)
			if err := os.MkdirAll(runDir, 0o755); err != nil {
				return fmt.Errorf("%w: create run dir: %v", plan.ErrInvalid, err)
			}
			if err := coverage.WriteMatrix(filepath.Join(runDir, "coverage_matrix.csv")); err != nil {
				return err
			}

			metrics, err := telemetry.NewMetrics(ctx, &telemetry.MetricsConfig{
				Enabled:      otelExporter != "" && otelExporter != "none",
				ServiceName:  "mtap",
				ExporterType: telemetry.ExporterType(orDefault(otelExporter, "none")),
				OTLPEndpoint: otelEndpoint,
				OTLPInsecure: true,
			})
			if err != nil {
				return err
			}
			defer metrics.Shutdown(context.Background())

			tracer, err := telemetry.NewTracer(ctx, &telemetry.TracerConfig{
				Enabled:      otelExporter != "" && otelExporter != "none",
				ServiceName:  "mtap",
				ExporterType: telemetry.ExporterType(orDefault(otelExporter, "none")),
				OTLPEndpoint: otelEndpoint,
				OTLPInsecure: true,
				SampleRate:   1.0,
			})
			if err != nil {
				return err
			}
			defer tracer.Shutdown(context.Background())

			events, err := eventlog.NewRunLogger(runDir)
			if err != nil {
				return err
			}

			sns := resolveSNs(snList, snCount, p.Batch.SNCount)
			logger.Info("batch starting",
				"run_id", runID, "batch_id", batchID, "plan", p.Meta.Name,
				"stage", p.Station.Stage, "units", len(sns), "dut", addr)

			r := runner.New(p, client.New(addr, time.Duration(settings.TimeoutS*float64(time.Second))), events, runner.Options{
				RunID:     runID,
				BatchID:   batchID,
				StationID: stationID,
				Logger:    logger,
				Metrics:   metrics,
				Tracer:    tracer,
			})
			summary, runErr := r.RunBatch(ctx, sns)
			if cerr := events.Close(); runErr == nil && cerr != nil {
				runErr = cerr
			}
			if runErr != nil {
				return runErr
			}
			summary.Station = sysinfo.Capture()

			if err := writeSummaryJSON(filepath.Join(runDir, "results_summary.json"), summary); err != nil {
				return err
			}

			replayed, err := eventlog.ReadRunEvents(runDir)
			if err != nil {
				return err
			}
			planStepIDs := stepIDs(p.GatedSteps())
			if err := analytics.WriteAll(filepath.Join(runDir, "analytics"), replayed, planStepIDs); err != nil {
				return err
			}
			if err := report.WriteHTML(filepath.Join(runDir, "qualification_report.html"), summary, replayed, planStepIDs); err != nil {
				return err
			}
			if err := report.WriteJUnit(filepath.Join(runDir, "junit.xml"), runID, replayed); err != nil {
				return err
			}
			if mirrorDB {
				if err := mirror.Write(ctx, filepath.Join(runDir, "events.duckdb"), replayed); err != nil {
					logger.Warn("event mirror failed", "err", err)
				}
			}

			analytics.RenderSummaryTable(os.Stdout, replayed, planStepIDs)
			fmt.Println("run directory:", runDir)

			if !summary.OverallPass {
				return fmt.Errorf("%w: run %s", errBatchFailed, runID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "test plan YAML (required)")
	cmd.Flags().StringVar(&reqPath, "requirements", "", "requirements registry YAML (required)")
	cmd.Flags().StringVar(&addr, "addr", "", "DUT address (default MTAP_HOST:MTAP_DUT_PORT)")
	cmd.Flags().StringVar(&runsDir, "runs-dir", "", "runs directory (default MTAP_RUNS_DIR)")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch identifier (default: generated ULID)")
	cmd.Flags().StringVar(&stationID, "station", "", "station identifier (default: plan station name)")
	cmd.Flags().StringVar(&snList, "sns", "", "comma-separated serial numbers (default: generated)")
	cmd.Flags().IntVar(&snCount, "sn-count", 0, "number of generated serial numbers (default: plan batch.sn_count)")
	cmd.Flags().BoolVar(&mirrorDB, "mirror", false, "also mirror events into events.duckdb")
	cmd.Flags().StringVar(&otelExporter, "otel-exporter", "none", "OpenTelemetry metrics exporter: none, stdout, otlp-grpc, otlp-http")
	cmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP endpoint for the otel exporter")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("requirements")
	return cmd
}

// resolveSNs picks the explicit list when given, otherwise generates
// SN-0001..SN-N with N from the flag or the plan.
func resolveSNs(list string, flagCount, planCount int) []string {
	if list != "" {
		var out []string
		for _, s := range strings.Split(list, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	n := planCount
	if flagCount > 0 {
		n = flagCount
	}
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("SN-%04d", i))
	}
	return out
}

func stepIDs(steps []plan.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func writeSummaryJSON(path string, summary *runner.RunSummary) error {
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
