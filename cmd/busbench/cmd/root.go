package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/busbench/internal/busbench"
	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/common"
	commonconfig "github.com/G-Research/busbench/internal/common/config"
)

const (
	CustomConfigLocation = "config"
	defaultConfigPath    = "./config/busbench"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	return newRootCmd(busbench.New())
}

func newRootCmd(app *busbench.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "busbench",
		Short: "busbench measures throughput and correctness of a message receiving path.",
		Long: `busbench measures throughput and correctness of a message receiving path.

A run is made of two halves. "busbench receive" subscribes to the configured transport,
discards the first rampUp messages, times the rest and stops once rampUp+received reaches
sampleSize. "busbench send" publishes the messages for it to consume.

Persistent config can be saved in a config file so it doesn't have to be specified every command.

Example structure:
benchmark:
  rampUp: 50
  sampleSize: 300
transport:
  kind: nats
  nats:
    servers: [nats://localhost:4222]

The location of this file can be passed in using the --config argument.
If not provided, ./config/busbench/config.yaml is used when present.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String(CustomConfigLocation, "", "Fully qualified path to application configuration file")

	cmd.AddCommand(
		versionCmd(app),
		receiveCmd(app),
		sendCmd(app),
	)

	return cmd
}

// Print version info and exit.
func versionCmd(app *busbench.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Version()
		},
	}
	return cmd
}

// addCommonFlags registers the flags shared by receive and send. Defaults are taken from
// configuration.Default() so that binding them into viper never changes the effective config.
func addCommonFlags(cmd *cobra.Command) {
	defaults := configuration.Default()
	flags := cmd.Flags()
	flags.Uint16("metricsPort", defaults.MetricsPort, "Port to serve prometheus metrics on; 0 disables it")
	flags.String("logLevel", defaults.LogLevel, "Log level, e.g. debug, info or warn")
	flags.String("transport.kind", defaults.Transport.Kind, "Transport to benchmark: pulsar, nats, stan or memory")
	flags.Int("transport.concurrency", defaults.Transport.Concurrency, "Number of messages handled or published in parallel by the transport")
	flags.String("notifier.kind", defaults.Notifier.Kind, "Where the completion signal goes: bus, redis, webhook or none")
}

// initParams loads the config file, environment and flags (in increasing order of precedence)
// into the app params and validates the result.
func initParams(cmd *cobra.Command, app *busbench.App) error {
	common.BindCommandlineArguments(cmd.Flags())

	configPath, err := cmd.Flags().GetString(CustomConfigLocation)
	if err != nil {
		return err
	}
	config := configuration.Default()
	if err := common.LoadConfig(&config, defaultConfigPath, configPath); err != nil {
		return err
	}
	if err := common.SetLogLevel(config.LogLevel); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return err
	}
	app.Params.Config = config
	return nil
}
