package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"switchyard/pkg/metrics"
)

const statsTimeout = 10 * time.Second

func newStatsCmd(root *rootOptions) *cobra.Command {
	var prometheusURL string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize transition counters from a Prometheus server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			qs, err := metrics.NewQueryService(prometheusURL, cfg.Metrics.Namespace)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), statsTimeout)
			defer cancel()
			stats, err := qs.GetTransitionStats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "started:   %d\n", stats.Started)
			fmt.Fprintf(out, "completed: %d\n", stats.Completed)
			fmt.Fprintf(out, "cancelled: %d\n", stats.Cancelled)
			fmt.Fprintf(out, "failed:    %d\n", stats.Failed)
			fmt.Fprintf(out, "rejected:  %d\n", stats.Rejected)
			return nil
		},
	}

	cmd.Flags().StringVar(&prometheusURL, "prometheus", "http://localhost:9090", "Prometheus server URL")
	return cmd
}
