package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/mtaplabs/mtap/internal/config"
	"github.com/mtaplabs/mtap/internal/plan"
	"github.com/mtaplabs/mtap/internal/trace"
)

// Process exit statuses.
const (
	exitOK           = 0
	exitBatchFailed  = 1
	exitConfigError  = 2
	exitTraceability = 3
)

// errBatchFailed signals a completed batch with at least one failing SN.
var errBatchFailed = errors.New("batch completed with failures")

func main() {
	root := &cobra.Command{
		Use:           "mtap",
		Short:         "Manufacturing-test automation platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR); overrides MTAP_LOG_LEVEL")

	root.AddCommand(newDutCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newReportCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mtap:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errBatchFailed):
		return exitBatchFailed
	case errors.Is(err, trace.ErrUncovered), errors.Is(err, trace.ErrUnknownRequirement):
		return exitTraceability
	case errors.Is(err, plan.ErrInvalid):
		return exitConfigError
	default:
		return exitConfigError
	}
}

// setupLogger builds the process logger. The flag wins over the
// environment; the environment default comes from Settings.
func setupLogger(cmd *cobra.Command, settings config.Settings) *slog.Logger {
	level := settings.LogLevel
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}

	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN", "WARNING":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lv,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)
	return logger
}
