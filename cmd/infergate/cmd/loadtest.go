package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/infergate/internal/config"
	"github.com/seantiz/infergate/internal/loadgen"
)

// Send concurrent requests to a running dispatcher and report the outcome.
func loadtestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Generate load against a running infergate and poll for results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			url, err := flags.GetString("url")
			if err != nil {
				return err
			}
			concurrency, err := flags.GetInt("concurrency")
			if err != nil {
				return err
			}
			requests, err := flags.GetInt("requests")
			if err != nil {
				return err
			}
			delay, err := flags.GetDuration("delay")
			if err != nil {
				return err
			}
			pollInterval, err := flags.GetDuration("poll-interval")
			if err != nil {
				return err
			}
			maxWait, err := flags.GetDuration("max-wait")
			if err != nil {
				return err
			}
			images, err := flags.GetString("images")
			if err != nil {
				return err
			}
			payloadSize, err := flags.GetInt("payload-size")
			if err != nil {
				return err
			}

			cfg, err := config.Load(flags)
			if err != nil {
				return err
			}
			logger := config.NewLogger(os.Stderr, cfg.LogLevel)

			gen, err := loadgen.New(loadgen.Config{
				BaseURL:           url,
				Concurrency:       concurrency,
				RequestsPerWorker: requests,
				Delay:             delay,
				PollInterval:      pollInterval,
				MaxWait:           maxWait,
				ImageDir:          images,
				PayloadSize:       payloadSize,
			}, nil, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := gen.Run(ctx)
			if report != nil {
				printReport(cmd, report, ctx.Err() != nil)
			}
			return err
		},
	}

	cmd.Flags().String("url", "http://localhost:8080", "dispatcher base URL")
	cmd.Flags().Int("concurrency", loadgen.DefaultConcurrency, "number of parallel senders")
	cmd.Flags().Int("requests", loadgen.DefaultRequestsPerWorker, "requests per sender")
	cmd.Flags().Duration("delay", 200*time.Millisecond, "pause between requests from one sender")
	cmd.Flags().Duration("poll-interval", loadgen.DefaultPollInterval, "time between result polls")
	cmd.Flags().Duration("max-wait", loadgen.DefaultMaxWait, "how long to poll one request before giving up")
	cmd.Flags().String("images", "", "directory of .jpg/.jpeg/.png files to send; random bytes when empty")
	cmd.Flags().Int("payload-size", loadgen.DefaultPayloadSize, "random payload size in bytes when no image directory is given")

	return cmd
}

func printReport(cmd *cobra.Command, r *loadgen.Report, interrupted bool) {
	out := cmd.OutOrStdout()
	if interrupted {
		fmt.Fprintln(out, "load test interrupted")
	}
	fmt.Fprintf(out, "sent:        %d\n", r.Sent)
	fmt.Fprintf(out, "done:        %d\n", r.Done)
	fmt.Fprintf(out, "failed:      %d\n", r.Failed)
	fmt.Fprintf(out, "dropped:     %d\n", r.Dropped)
	fmt.Fprintf(out, "timed out:   %d\n", r.TimedOut)
	fmt.Fprintf(out, "errors:      %d\n", r.Errors)
	fmt.Fprintf(out, "elapsed:     %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "avg latency: %s\n", r.AvgLatency.Round(time.Millisecond))
	fmt.Fprintf(out, "max latency: %s\n", r.MaxLatency.Round(time.Millisecond))
}
