package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/G-Research/busbench/internal/busbench"
	"github.com/G-Research/busbench/internal/busbench/configuration"
)

// Publish benchmark messages for a running receiver.
func sendCmd(app *busbench.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish benchmark messages and optionally wait for the receiver to finish.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Create a context that is cancelled on SIGINT/SIGTERM.
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stopSignal := make(chan os.Signal, 1)
			signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(stopSignal)
			go func() {
				select {
				case <-ctx.Done():
					return
				case <-stopSignal:
					cancel()
				}
			}()

			_, err := app.Send(ctx)
			return err
		},
	}

	addCommonFlags(cmd)
	defaults := configuration.Default()
	cmd.Flags().Int("send.count", defaults.Send.Count, "Number of messages to publish")
	cmd.Flags().Int("send.corruptEvery", defaults.Send.CorruptEvery, "Make every n-th message fail validation; 0 disables")
	cmd.Flags().Int("send.concurrency", defaults.Send.Concurrency, "Number of publishing workers")
	cmd.Flags().Bool("send.awaitCompletion", defaults.Send.AwaitCompletion, "Wait for the receiver's completion signal")
	cmd.Flags().Duration("send.timeout", defaults.Send.Timeout, "Upper bound on the whole command; 0 means no limit")

	return cmd
}
