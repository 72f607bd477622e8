package main

import (
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"idosnx/internal/metrics"
)

func newServeMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose Prometheus metrics for a long-running simulator session",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logrus.WithField("addr", cfg.MetricsAddr).Info("metrics listening")
			return http.ListenAndServe(cfg.MetricsAddr, mux)
		},
	}
	return cmd
}
