package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtaplabs/mtap/internal/config"
	"github.com/mtaplabs/mtap/internal/dutserver"
)

func newDutCmd() *cobra.Command {
	var (
		addr        string
		configPath  string
		profile     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "dut",
		Short: "Run the DUT simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.LoadSettings()
			logger := setupLogger(cmd, settings)

			if addr == "" {
				addr = fmt.Sprintf("%s:%d", settings.Host, settings.DutPort)
			}

			srv, err := dutserver.New(dutserver.Config{
				Addr:        addr,
				ConfigPath:  configPath,
				ProfileName: profile,
				MetricsAddr: metricsAddr,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			logger.Info("signal received, shutting down", "signal", s.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Stop(ctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default MTAP_HOST:MTAP_DUT_PORT)")
	cmd.Flags().StringVar(&configPath, "config", "", "DUT config file (default resolution chain)")
	cmd.Flags().StringVar(&profile, "profile", "", "startup fault profile (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (disabled when empty)")
	return cmd
}
