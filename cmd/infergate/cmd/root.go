package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/infergate/internal/config"
)

// errStopSignal marks a clean shutdown requested by SIGINT or SIGTERM.
var errStopSignal = errors.New("received stop signal")

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infergate",
		Short: "infergate buffers inference requests and scales the inference backend.",
		Long: `infergate accepts inference requests over HTTP, queues them in a bounded
FIFO, dispatches them to an inference backend and serves results by request id.
A companion control loop sets the backend Deployment's replica count from the
request rate reported by Prometheus.

Every flag can also be set through an INFERGATE_* environment variable
(for example INFERGATE_QUEUE_MAX_SIZE) or a config file passed with --config.`,
		SilenceUsage: true,
	}

	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		serveCmd(),
		autoscaleCmd(),
		loadtestCmd(),
	)

	return cmd
}

// withStopSignals returns an errgroup whose context is cancelled on SIGINT or
// SIGTERM, or when any member returns an error.
func withStopSignals(parent context.Context) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(parent)

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		defer signal.Stop(stopSignal)
		select {
		case <-ctx.Done():
			return nil
		case sig := <-stopSignal:
			// Returning an error cancels the errgroup.
			return fmt.Errorf("%w: %v", errStopSignal, sig)
		}
	})

	return g, ctx
}

// waitGroup waits for g and treats a stop signal as a clean exit.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, errStopSignal) {
		return err
	}
	return nil
}
