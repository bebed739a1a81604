// Package busbench wires configuration, transports, notifiers and the receiver into the
// commands exposed by cmd/busbench.
package busbench

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-redis/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/busbench/internal/busbench/build"
	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/notify"
	"github.com/G-Research/busbench/internal/busbench/receiver"
	"github.com/G-Research/busbench/internal/busbench/transport"
	"github.com/G-Research/busbench/internal/busbench/transport/natsbus"
	"github.com/G-Research/busbench/internal/busbench/transport/pulsarbus"
	"github.com/G-Research/busbench/internal/busbench/transport/stanbus"
	"github.com/G-Research/busbench/internal/common/bencherrors"
	"github.com/G-Research/busbench/internal/common/util"
)

// CorruptAmount is the amount carried by deliberately corrupted messages.
var CorruptAmount = decimal.NewFromInt(2000)

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the applications's output.
	Out io.Writer
	// Metrics are registered here. Defaults to the prometheus default registerer.
	Registerer prometheus.Registerer
	// Creates the bus for the configured transport. Tests can substitute an in-memory bus.
	NewBus func(config *configuration.TransportConfig) (transport.Bus, error)
	// Creates the redis client used by the redis notifier.
	NewRedisClient func(options *redis.UniversalOptions) redis.UniversalClient
	Clock          util.Clock
}

// Params holds all user-customizable parameters, loaded from the config file, the
// environment and the command line.
type Params struct {
	Config configuration.BusbenchConfig
	// Where to write the machine readable report; empty disables it.
	ReportPath string
	// yaml or json. Derived from the ReportPath extension if empty.
	ReportFormat string
}

// SendSummary describes what a send run did.
type SendSummary struct {
	Published int
	Corrupted int
	Elapsed   time.Duration
	// True if the receiver's completion signal arrived.
	Completed bool
}

func New() *App {
	return &App{
		Params:         &Params{Config: configuration.Default()},
		Out:            os.Stdout,
		Registerer:     prometheus.DefaultRegisterer,
		NewBus:         NewBus,
		NewRedisClient: redis.NewUniversalClient,
		Clock:          &util.DefaultClock{},
	}
}

// NewBus connects to the transport selected by config.Kind.
func NewBus(config *configuration.TransportConfig) (transport.Bus, error) {
	switch config.Kind {
	case configuration.TransportPulsar:
		bus, err := pulsarbus.Connect(&config.Pulsar, config.Concurrency)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case configuration.TransportNats:
		bus, err := natsbus.Connect(config.Nats, config.Concurrency)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case configuration.TransportStan:
		bus, err := stanbus.Connect(config.Stan, config.Concurrency)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case configuration.TransportMemory:
		return transport.NewMemoryBus(config.Concurrency, config.MemoryQueueSize), nil
	default:
		return nil, errors.WithStack(&bencherrors.ErrNotFound{
			Type:    "transport",
			Value:   config.Kind,
			Message: "supported transports are pulsar, nats, stan and memory",
		})
	}
}

// Version prints build information (e.g., current git commit) to the app output.
func (a *App) Version() error {
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Version:\t%s\n", build.ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", build.GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", build.GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", build.BuildTime)
	return nil
}

// Receive runs one benchmark run: it subscribes to the configured transport, waits for the
// run to complete, prints the report, and sends the completion signal.
// Closing stopRequested asks the run to end early; cancelling ctx abandons it.
func (a *App) Receive(ctx context.Context, stopRequested <-chan struct{}) (*receiver.Report, error) {
	config := &a.Params.Config
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var formatter receiver.Formatter
	if a.Params.ReportPath != "" {
		f, err := receiver.FormatterFor(a.reportFormat())
		if err != nil {
			return nil, err
		}
		formatter = f
	}

	bus, err := a.NewBus(&config.Transport)
	if err != nil {
		return nil, err
	}
	defer util.CloseResource(bus.Name()+" bus", bus)

	notifier, cleanup, err := a.notifier(bus)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	r := receiver.New(&config.Benchmark, bus, notifier, a.Clock, receiver.NewMetrics(a.Registerer))
	go func() {
		select {
		case <-stopRequested:
			r.RequestStop()
		case <-r.Done():
		case <-ctx.Done():
		}
	}()

	log.Infof(
		"starting run %s on %s: rampUp=%d sampleSize=%d snapshotInterval=%d",
		r.RunId(), bus.Name(), config.Benchmark.RampUp, config.Benchmark.SampleSize, config.Benchmark.SnapshotInterval,
	)
	report, runErr := r.Run(ctx)
	if report == nil {
		return nil, runErr
	}

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := report.Print(a.Out); err != nil {
		result = multierror.Append(result, errors.WithStack(err))
	}
	if formatter != nil {
		if err := writeReport(report, formatter, a.Params.ReportPath); err != nil {
			result = multierror.Append(result, err)
		} else {
			log.Infof("report written to %s", a.Params.ReportPath)
		}
	}
	return report, result.ErrorOrNil()
}

func (a *App) reportFormat() string {
	if a.Params.ReportFormat != "" {
		return a.Params.ReportFormat
	}
	return strings.TrimPrefix(filepath.Ext(a.Params.ReportPath), ".")
}

func writeReport(report *receiver.Report, formatter receiver.Formatter, path string) error {
	data, err := formatter(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "error writing report to %s", path)
	}
	return nil
}

// notifier builds the configured completion notifier. The returned func releases anything
// the notifier holds on to.
func (a *App) notifier(bus transport.Bus) (notify.Notifier, func(), error) {
	config := &a.Params.Config.Notifier
	switch config.Kind {
	case configuration.NotifierBus:
		return notify.NewBusNotifier(bus, fmt.Sprintf("%s completion channel", bus.Name())), func() {}, nil
	case configuration.NotifierRedis:
		db := a.NewRedisClient(&config.Redis)
		return notify.NewRedisNotifier(db, config.RedisKey), func() { util.CloseResource("redis client", db) }, nil
	case configuration.NotifierWebhook:
		webhook := notify.NewWebhookNotifier(config.Webhook)
		return webhook, func() { util.CloseResource("webhook notifier", webhook) }, nil
	case configuration.NotifierNone:
		return notify.LogNotifier{}, func() {}, nil
	default:
		return nil, nil, errors.WithStack(&bencherrors.ErrNotFound{Type: "notifier", Value: config.Kind})
	}
}

// signalWaiter is the counterpart of notifier on the sending side.
func (a *App) signalWaiter(bus transport.Bus) (transport.SignalWaiter, func(), error) {
	config := &a.Params.Config.Notifier
	switch config.Kind {
	case configuration.NotifierBus:
		return bus, func() {}, nil
	case configuration.NotifierRedis:
		db := a.NewRedisClient(&config.Redis)
		return notify.NewRedisWaiter(db, config.RedisKey, 0), func() { util.CloseResource("redis client", db) }, nil
	default:
		return nil, nil, errors.WithStack(&bencherrors.ErrInvalidArgument{
			Name:    "send.awaitCompletion",
			Value:   true,
			Message: fmt.Sprintf("cannot wait for completion with notifier kind %q; use bus or redis", config.Kind),
		})
	}
}

// Send publishes the configured number of benchmark messages and, if configured, waits for
// the receiver to report completion.
func (a *App) Send(ctx context.Context) (*SendSummary, error) {
	config := &a.Params.Config
	if err := config.Validate(); err != nil {
		return nil, err
	}
	sendConfig := config.Send
	if sendConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sendConfig.Timeout)
		defer cancel()
	}

	bus, err := a.NewBus(&config.Transport)
	if err != nil {
		return nil, err
	}
	defer util.CloseResource(bus.Name()+" bus", bus)

	// The watch must exist before the first message is published.
	var watch transport.CompletionWatch
	if sendConfig.AwaitCompletion {
		waiter, cleanup, err := a.signalWaiter(bus)
		if err != nil {
			return nil, err
		}
		defer cleanup()
		watch, err = waiter.WatchCompletion()
		if err != nil {
			return nil, err
		}
		defer util.CloseResource("completion watch", watch)
	}

	summary := &SendSummary{}
	start := a.Clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	indices := make(chan int)
	g.Go(func() error {
		defer close(indices)
		for i := 1; i <= sendConfig.Count; i++ {
			select {
			case indices <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < sendConfig.Concurrency; w++ {
		g.Go(func() error {
			for i := range indices {
				amount := message.ExpectedAmount
				if sendConfig.CorruptEvery > 0 && i%sendConfig.CorruptEvery == 0 {
					amount = CorruptAmount
				}
				if err := bus.Publish(gctx, message.New(amount)); err != nil {
					return errors.WithMessagef(err, "error publishing message %d", i)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := bus.Flush(ctx); err != nil {
		return nil, errors.WithMessage(err, "error flushing published messages")
	}

	summary.Published = sendConfig.Count
	if sendConfig.CorruptEvery > 0 {
		summary.Corrupted = sendConfig.Count / sendConfig.CorruptEvery
	}
	summary.Elapsed = a.Clock.Now().Sub(start)
	rate := 0.0
	if summary.Elapsed > 0 {
		rate = float64(summary.Published) / summary.Elapsed.Seconds()
	}
	log.Infof("published %d messages (%d corrupt) to %s in %s (%.2f msg/s)",
		summary.Published, summary.Corrupted, bus.Name(), summary.Elapsed, rate)

	if watch == nil {
		return summary, nil
	}
	log.Info("waiting for the receiver to signal completion")
	if _, err := watch.Wait(ctx); err != nil {
		return summary, errors.WithMessage(err, "no completion signal received")
	}
	summary.Completed = true
	log.Info("receiver signalled completion")
	return summary, nil
}
