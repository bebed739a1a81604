// Package receiver turns a stream of concurrently delivered benchmark messages into a timed,
// validated and sampled run, and reports on it once the run is complete.
package receiver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/notify"
	"github.com/G-Research/busbench/internal/busbench/transport"
	"github.com/G-Research/busbench/internal/common/bencherrors"
	"github.com/G-Research/busbench/internal/common/logging"
	"github.com/G-Research/busbench/internal/common/util"
)

// RunState is everything a run accumulates. It is created once per run and never reset.
type RunState struct {
	Counter DeliveryCounter
	Timer   *Stopwatch
	// Sequence number of the delivery that started the timer; 0 until then.
	TimerStartedAt atomic.Int64
	// Number of deliveries classified as the warm-up boundary.
	boundaryHits atomic.Int32
}

type Receiver struct {
	runId         string
	transportName string
	traceDelay    time.Duration

	state     *RunState
	gate      *WarmupGate
	snapshots *SnapshotRecorder
	detector  *CompletionDetector
	reports   *ReportGenerator
	validator *message.Validator

	subscriber transport.Subscriber
	notifier   notify.Notifier
	metrics    *Metrics

	running      atomic.Bool
	mu           sync.Mutex
	subscription *transport.Subscription
}

// New creates a receiver for a single run. A nil notifier only logs completion; nil metrics
// are replaced with unregistered ones.
func New(
	config *configuration.BenchmarkConfig,
	subscriber transport.Subscriber,
	notifier notify.Notifier,
	clock util.Clock,
	metrics *Metrics,
) *Receiver {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if clock == nil {
		clock = &util.DefaultClock{}
	}
	transportName := "unknown"
	if named, ok := subscriber.(interface{ Name() string }); ok {
		transportName = named.Name()
	}
	return &Receiver{
		runId:          util.NewULID(),
		transportName:  transportName,
		traceDelay:     config.TraceDelay,
		state:          &RunState{Timer: NewStopwatch(clock)},
		gate:           NewWarmupGate(config.RampUp),
		snapshots:      NewSnapshotRecorder(config.SnapshotInterval),
		detector:       NewCompletionDetector(config.RampUp, config.SampleSize),
		reports:        NewReportGenerator(config.RampUp, config.SampleSize, config.ExpectedPayload),
		validator:      message.NewValidator(config.ExpectedAmount, config.AmountTolerance),
		subscriber:     subscriber,
		notifier:       notify.Once(notifier),
		metrics:        metrics,
	}
}

func (r *Receiver) RunId() string {
	return r.runId
}

// Handle processes one delivery. It is safe to call from any number of goroutines.
func (r *Receiver) Handle(d *transport.Delivery) {
	received := r.state.Counter.IncrementReceived()
	r.metrics.RecordReceived()
	// Deliveries numbered past the stop point can overtake the stopping one; they never count.
	if received > r.detector.StopPoint() || r.detector.Stopped() {
		return
	}

	switch r.gate.Classify(received) {
	case PreWarmup:
		return
	case WarmupBoundary:
		r.state.boundaryHits.Add(1)
		if r.state.Timer.Start() {
			r.state.TimerStartedAt.Store(received)
			log.Debugf("warm-up complete after %d messages, timer started", received)
		}
	}

	r.snapshots.AddBytes(d.Size)

	failures := r.state.Counter.Failures()
	if d.Err != nil || !r.validator.Valid(d.Message) {
		failures = r.state.Counter.IncrementFailures()
		r.metrics.RecordFailure()
	}

	if r.snapshots.ShouldCapture(received) {
		point := r.snapshots.Capture(received, failures, r.state.Timer.Elapsed(), d.Message)
		r.metrics.RecordSnapshot()
		log.Debugf("Logging %s", point)
	}

	if reason, stop := r.detector.ShouldStop(received); stop {
		r.detector.Complete(received, reason, r.stop)
	}
}

// RequestStop asks the run to end early. The next measured delivery completes it.
func (r *Receiver) RequestStop() {
	log.Info("stop requested, waiting for the next delivery to complete the run")
	r.detector.RequestStop()
}

func (r *Receiver) stop(received int64, reason StopReason) {
	elapsed := r.state.Timer.Stop()
	r.mu.Lock()
	sub := r.subscription
	r.mu.Unlock()
	if sub != nil {
		r.unsubscribe(sub)
	}
	log.Infof("run %s stopped at message %d (%s) after %s", r.runId, received, reason, elapsed)
}

func (r *Receiver) unsubscribe(sub *transport.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		logging.WithStacktrace(log.WithField("subscription", sub.String()), err).Warn("failed to unsubscribe")
	}
}

// Run subscribes the receiver, waits until the run completes, and then generates the report
// and sends the completion signal, each exactly once.
//
// Cancelling ctx abandons the run; no report is produced. If the signal can't be sent the
// report is still returned, together with a bencherrors.ErrNotification.
func (r *Receiver) Run(ctx context.Context) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, errors.New("receiver has already been run")
	}

	sub, err := r.subscriber.Subscribe(r.Handle)
	if err != nil {
		return nil, errors.WithMessage(err, "error subscribing receiver")
	}
	r.mu.Lock()
	r.subscription = sub
	stopped := r.detector.Stopped()
	r.mu.Unlock()
	// The run may have completed before the handle was stored.
	if stopped {
		r.unsubscribe(sub)
	}
	log.Infof("run %s subscribed to %s", r.runId, sub)

	if r.traceDelay > 0 {
		select {
		case <-r.detector.Done():
		case <-time.After(r.traceDelay):
		case <-ctx.Done():
			return nil, r.abandon(ctx, sub)
		}
		r.trace(sub)
	}

	select {
	case <-r.detector.Done():
	case <-ctx.Done():
		return nil, r.abandon(ctx, sub)
	}

	report := r.Report()
	r.metrics.RecordReport(report)
	for _, p := range report.DataPoints {
		log.Debugf("Logging %s", p)
	}

	if err := r.notifier.Notify(ctx, &message.CompletionSignal{}); err != nil {
		err = errors.WithStack(&bencherrors.ErrNotification{Endpoint: r.notifier.Endpoint(), Err: err})
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("run complete but completion signal not sent")
		return report, err
	}
	log.Infof("completion signal sent to %s", r.notifier.Endpoint())
	return report, nil
}

func (r *Receiver) abandon(ctx context.Context, sub *transport.Subscription) error {
	r.unsubscribe(sub)
	log.Warnf("run %s abandoned after %d messages", r.runId, r.state.Counter.Received())
	return errors.WithStack(ctx.Err())
}

type pipelineTrace struct {
	Run            string
	Subscription   string
	Received       int64
	Failures       int64
	TimerStartedAt int64
	StopPoint      int64
	StopRequested  bool
	Stopped        bool
	DataPoints     int
}

func (r *Receiver) trace(sub *transport.Subscription) {
	log.Infof("inbound pipeline:\n%s", litter.Sdump(pipelineTrace{
		Run:            r.runId,
		Subscription:   sub.String(),
		Received:       r.state.Counter.Received(),
		Failures:       r.state.Counter.Failures(),
		TimerStartedAt: r.state.TimerStartedAt.Load(),
		StopPoint:      r.detector.StopPoint(),
		StopRequested:  r.detector.StopRequested(),
		Stopped:        r.detector.Stopped(),
		DataPoints:     len(r.snapshots.Points()),
	}))
}

// Report generates the report. Blocks until the run has stopped.
func (r *Receiver) Report() *Report {
	stopReceived, reason := r.detector.Result()
	report := r.reports.Generate(
		stopReceived,
		reason,
		r.state.Counter.Received(),
		r.state.Counter.Failures(),
		r.state.Timer.Elapsed(),
		r.snapshots.Points(),
	)
	report.RunId = r.runId
	report.Transport = r.transportName
	return report
}

func (r *Receiver) Done() <-chan struct{} {
	return r.detector.Done()
}
