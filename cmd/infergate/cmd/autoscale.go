package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/seantiz/infergate/internal/autoscaler"
	"github.com/seantiz/infergate/internal/config"
	"github.com/seantiz/infergate/internal/kube"
	"github.com/seantiz/infergate/internal/promsource"
)

// Run the replica controller on its own.
func autoscaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoscale",
		Short: "Scale the inference Deployment from the Prometheus request rate.",
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, err := cmd.Flags().GetString("metrics-addr")
			if err != nil {
				return err
			}

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.ValidateAutoscaler(); err != nil {
				return err
			}

			logger := config.NewLogger(os.Stdout, cfg.LogLevel)
			ctrl, err := newController(cfg, logger)
			if err != nil {
				return err
			}

			g, ctx := withStopSignals(cmd.Context())
			g.Go(func() error { return ctrl.Run(ctx) })
			if metricsAddr != "" {
				g.Go(func() error { return serveMetrics(ctx, metricsAddr, logger) })
			}
			return waitGroup(g)
		},
	}

	cmd.Flags().String("metrics-addr", ":9091", "address for the autoscaler's /metrics endpoint; empty disables it")

	return cmd
}

// newController wires the Prometheus rate source and the Kubernetes scaler
// into a replica controller.
func newController(cfg config.Config, logger *slog.Logger) (*autoscaler.Controller, error) {
	client, err := kube.NewClient(cfg.Kubeconfig, cfg.InCluster)
	if err != nil {
		return nil, err
	}

	source, err := promsource.New(cfg.PrometheusURL, cfg.RateQuery, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("autoscaler: configured",
		"prometheus_url", cfg.PrometheusURL,
		"rate_query", source.Query(),
		"namespace", cfg.Namespace,
		"deployment", cfg.Deployment,
	)

	return autoscaler.New(autoscaler.Config{
		Deployment:           cfg.Deployment,
		TargetRatePerReplica: cfg.TargetRatePerReplica,
		MinReplicas:          cfg.MinReplicas,
		MaxReplicas:          cfg.MaxReplicas,
		Interval:             cfg.ScaleInterval,
		CallTimeout:          cfg.ScaleCallTimeout,
	}, source, kube.NewScaler(client, cfg.Namespace), logger)
}

// serveMetrics exposes the default Prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
