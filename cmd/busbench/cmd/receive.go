package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/busbench/internal/busbench"
	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/common"
)

// Subscribe to the configured transport and run one benchmark.
// Prints the report on exit and sends the completion signal.
func receiveCmd(app *busbench.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive benchmark messages, time them and report throughput and failures.",
		Long: `Receive benchmark messages, time them and report throughput and failures.

The first SIGINT/SIGTERM stops the run at the next delivered message and still produces
a report. A second one abandons the run without a report.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			reportPath, err := cmd.Flags().GetString("report")
			if err != nil {
				return err
			}
			reportFormat, err := cmd.Flags().GetString("reportFormat")
			if err != nil {
				return err
			}
			app.Params.ReportPath = reportPath
			app.Params.ReportFormat = reportFormat

			common.ConfigureLogging()
			shutdownMetrics := common.ServeMetrics(app.Params.Config.MetricsPort)
			defer shutdownMetrics()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stopRequested := make(chan struct{})
			stopSignal := make(chan os.Signal, 2)
			signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(stopSignal)
			go func() {
				signals := 0
				for {
					select {
					case <-ctx.Done():
						return
					case sig := <-stopSignal:
						signals++
						if signals == 1 {
							log.Infof("received %s, stopping the run at the next message", sig)
							close(stopRequested)
						} else {
							log.Warnf("received %s again, abandoning the run", sig)
							cancel()
							return
						}
					}
				}
			}()

			_, err = app.Receive(ctx, stopRequested)
			return err
		},
	}

	addCommonFlags(cmd)
	defaults := configuration.Default()
	cmd.Flags().Int64("benchmark.rampUp", defaults.Benchmark.RampUp, "Number of messages excluded from timing at the start of the run")
	cmd.Flags().Int64("benchmark.sampleSize", defaults.Benchmark.SampleSize, "The run stops when received + rampUp reaches this value")
	cmd.Flags().Int64("benchmark.snapshotInterval", defaults.Benchmark.SnapshotInterval, "Capture a data point every this many messages")
	cmd.Flags().String("benchmark.expectedAmount", defaults.Benchmark.ExpectedAmount.String(), "Amount every valid message carries")
	cmd.Flags().String("benchmark.amountTolerance", defaults.Benchmark.AmountTolerance.String(), "Largest accepted difference from the expected amount")
	cmd.Flags().Duration("benchmark.traceDelay", defaults.Benchmark.TraceDelay, "Delay before logging the subscription trace; 0 disables it")
	cmd.Flags().String("report", "", "Also write the report to this file")
	cmd.Flags().String("reportFormat", "", "Format of the report file: yaml or json. Defaults to the file extension")

	return cmd
}
