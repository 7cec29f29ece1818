package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mtaplabs/mtap/internal/config"
	"github.com/mtaplabs/mtap/internal/eventlog"
	"github.com/mtaplabs/mtap/internal/report"
	"github.com/mtaplabs/mtap/internal/runner"
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-dir>",
		Short: "Regenerate the qualification report and JUnit export for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(cmd, config.LoadSettings())
			runDir := args[0]

			summary, err := readSummaryJSON(filepath.Join(runDir, "results_summary.json"))
			if err != nil {
				return err
			}
			events, err := eventlog.ReadRunEvents(runDir)
			if err != nil {
				return err
			}

			htmlPath := filepath.Join(runDir, "qualification_report.html")
			if err := report.WriteHTML(htmlPath, summary, events, nil); err != nil {
				return err
			}
			if err := report.WriteJUnit(filepath.Join(runDir, "junit.xml"), summary.RunID, events); err != nil {
				return err
			}
			fmt.Println("report written:", htmlPath)
			return nil
		},
	}
	return cmd
}

func readSummaryJSON(path string) (*runner.RunSummary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s runner.RunSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}
