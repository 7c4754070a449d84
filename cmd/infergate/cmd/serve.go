package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/infergate/internal/api"
	"github.com/seantiz/infergate/internal/autoscaler"
	"github.com/seantiz/infergate/internal/backend"
	"github.com/seantiz/infergate/internal/config"
	"github.com/seantiz/infergate/internal/engine"
	"github.com/seantiz/infergate/internal/queue"
	"github.com/seantiz/infergate/internal/store"
)

// Run the admission API and the dispatch workers.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept inference requests and dispatch them to the backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			withAutoscaler, err := cmd.Flags().GetBool("autoscale")
			if err != nil {
				return err
			}

			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.ValidateDispatch(); err != nil {
				return err
			}
			if withAutoscaler {
				if err := cfg.ValidateAutoscaler(); err != nil {
					return err
				}
			}

			logger := config.NewLogger(os.Stdout, cfg.LogLevel)
			logger.Info("infergate: starting",
				"listen_addr", cfg.ListenAddr,
				"backend_url", cfg.BackendURL,
				"queue_max_size", cfg.QueueMaxSize,
				"result_store", cfg.ResultStore,
				"autoscale", withAutoscaler,
			)

			results, err := store.Open(cfg.ResultStore, cfg.ResultDBPath)
			if err != nil {
				return fmt.Errorf("open result store: %w", err)
			}
			defer results.Close()

			eng := engine.NewEngine(
				queue.New(cfg.QueueMaxSize),
				results,
				backend.NewHTTPBackend(cfg.BackendURL, nil),
				logger,
				engine.Options{
					Workers:          cfg.Workers,
					IdlePollInterval: cfg.IdlePollInterval,
					BackendTimeout:   cfg.BackendTimeout,
					MaxAttempts:      cfg.DispatchMaxAttempts,
					RetryDelay:       cfg.DispatchRetryDelay,
				},
			)
			srv := api.NewServer(cfg.ListenAddr, eng, logger)

			var ctrl *autoscaler.Controller
			if withAutoscaler {
				if ctrl, err = newController(cfg, logger); err != nil {
					return err
				}
			}

			g, ctx := withStopSignals(cmd.Context())
			g.Go(func() error { return eng.Run(ctx) })
			g.Go(func() error { return srv.Run(ctx) })
			if ctrl != nil {
				g.Go(func() error { return ctrl.Run(ctx) })
			}

			err = waitGroup(g)
			logger.Info("infergate: stopped")
			return err
		},
	}

	cmd.Flags().Bool("autoscale", false, "also run the replica controller in this process")

	return cmd
}
