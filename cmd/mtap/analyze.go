package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mtaplabs/mtap/internal/analytics"
	"github.com/mtaplabs/mtap/internal/config"
	"github.com/mtaplabs/mtap/internal/eventlog"
)

func newAnalyzeCmd() *cobra.Command {
	var rewrite bool

	cmd := &cobra.Command{
		Use:   "analyze <run-dir>",
		Short: "Recompute analytics from a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(cmd, config.LoadSettings())
			runDir := args[0]

			events, err := eventlog.ReadRunEvents(runDir)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events in %s", runDir)
			}

			if rewrite {
				if err := analytics.WriteAll(filepath.Join(runDir, "analytics"), events, nil); err != nil {
					return err
				}
			}
			analytics.RenderSummaryTable(os.Stdout, events, nil)
			return nil
		},
	}

	cmd.Flags().BoolVar(&rewrite, "write", true, "rewrite the analytics/ artifacts in the run directory")
	return cmd
}
