package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trafficgw/internal/client/app"
)

var rootCmd = &cobra.Command{
	Use:          "trafficgw-client",
	Short:        "send recorded traffic to the gateway and inspect local spools",
	SilenceUsage: true,
}

func newSendCmd() *cobra.Command {
	var cfg app.SendConfig
	cmd := &cobra.Command{
		Use:   "send",
		Short: "post records from a JSON array or JSON-lines file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg.Out = cmd.OutOrStdout()
			cfg.Progress = cmd.ErrOrStderr()
			sum, err := app.Send(ctx, cfg)
			if err != nil {
				return err
			}
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d records failed", sum.Failed, sum.Sent+sum.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Server, "server", "http://127.0.0.1:8080", "gateway base URL")
	cmd.Flags().StringVar(&cfg.File, "file", "", "records file")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 100, "records per request")
	cmd.Flags().BoolVar(&cfg.Legacy, "legacy", false, "post single records to /ingest-data")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newSpoolCmd() *cobra.Command {
	var cfg app.SpoolConfig
	cmd := &cobra.Command{
		Use:   "spool",
		Short: "show the newest messages in a sqlite or duckdb spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Out = cmd.OutOrStdout()
			return app.Spool(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.QueueURL, "queue-url", "", "sqlite://path or duckdb://path")
	cmd.Flags().StringVar(&cfg.QueueName, "queue-name", "", "queue name (default akto-traffic-queue)")
	cmd.Flags().IntVar(&cfg.Limit, "limit", 50, "rows to show")
	_ = cmd.MarkFlagRequired("queue-url")
	return cmd
}

func main() {
	rootCmd.AddCommand(newSendCmd(), newSpoolCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
