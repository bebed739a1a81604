package receiver

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/notify"
	"github.com/G-Research/busbench/internal/busbench/transport"
	"github.com/G-Research/busbench/internal/common/bencherrors"
	"github.com/G-Research/busbench/internal/common/util"
)

const (
	tick        = 10 * time.Millisecond
	messageSize = 100
)

var corruptAmount = decimal.NewFromInt(2000)

type fakeSubscriber struct {
	subscribed chan transport.Handler
	releases   atomic.Int32
	sub        *transport.Subscription
	err        error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subscribed: make(chan transport.Handler, 1)}
}

func (f *fakeSubscriber) Name() string {
	return "fake"
}

func (f *fakeSubscriber) Subscribe(handler transport.Handler) (*transport.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sub = transport.NewSubscription("fake queue", func() error {
		f.releases.Add(1)
		return nil
	})
	f.subscribed <- handler
	return f.sub, nil
}

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *countingNotifier) Notify(_ context.Context, _ *message.CompletionSignal) error {
	n.calls.Add(1)
	return n.err
}

func (n *countingNotifier) Endpoint() string {
	return "counting"
}

type runResult struct {
	report *Report
	err    error
}

func testBenchmarkConfig() *configuration.BenchmarkConfig {
	return &configuration.BenchmarkConfig{
		RampUp:           50,
		SampleSize:       300,
		SnapshotInterval: 100,
		ExpectedAmount:   message.ExpectedAmount,
		AmountTolerance:  message.DefaultTolerance,
		ExpectedPayload:  message.PayloadMessage,
	}
}

// startRun runs r in the background and returns the handler it subscribed.
func startRun(t *testing.T, ctx context.Context, r *Receiver, subscriber *fakeSubscriber) (transport.Handler, <-chan runResult) {
	results := make(chan runResult, 1)
	go func() {
		report, err := r.Run(ctx)
		results <- runResult{report: report, err: err}
	}()
	select {
	case handler := <-subscriber.subscribed:
		return handler, results
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not subscribe")
		return nil, nil
	}
}

// deliver hands n sequential messages to handler, advancing the clock by one tick after each.
func deliver(handler transport.Handler, clock *util.ManualClock, n int, amount func(i int) decimal.Decimal) {
	for i := 1; i <= n; i++ {
		handler(&transport.Delivery{
			Message: message.New(amount(i)),
			Size:    messageSize,
		})
		clock.Advance(tick)
	}
}

func expectedAmount(int) decimal.Decimal {
	return message.ExpectedAmount
}

func awaitResult(t *testing.T, results <-chan runResult) runResult {
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
		return runResult{}
	}
}

func newTestReceiver(subscriber transport.Subscriber, notifier notify.Notifier) (*Receiver, *util.ManualClock) {
	clock := util.NewManualClock(time.Unix(0, 0))
	return New(testBenchmarkConfig(), subscriber, notifier, clock, nil), clock
}

func TestReceiver_NormalRun(t *testing.T) {
	subscriber := newFakeSubscriber()
	notifier := &countingNotifier{}
	r, clock := newTestReceiver(subscriber, notifier)

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 260, expectedAmount)
	result := awaitResult(t, results)
	require.NoError(t, result.err)
	report := result.report

	assert.Equal(t, StopReasonSampleSize, report.StopReason)
	assert.Equal(t, int64(250), report.StopReceived)
	assert.Equal(t, int64(260), report.Received)
	assert.Equal(t, int64(200), report.MeasuredCount)
	assert.Equal(t, int64(0), report.Failures)
	assert.Equal(t, int64(200), report.ValidCount)
	assert.Equal(t, 200*tick, report.Elapsed)
	assert.InDelta(t, 100.0, report.Throughput, 1e-9)
	assert.True(t, report.PayloadConsistent)
	assert.Equal(t, "fake", report.Transport)
	assert.Equal(t, r.RunId(), report.RunId)

	require.Len(t, report.DataPoints, 2)
	assert.Equal(t, int64(100), report.DataPoints[0].Received)
	assert.Equal(t, 50*tick, report.DataPoints[0].Elapsed)
	assert.Equal(t, int64(51*messageSize), report.DataPoints[0].Size)
	assert.Equal(t, int64(200), report.DataPoints[1].Received)
	assert.Equal(t, 150*tick, report.DataPoints[1].Elapsed)
	assert.Equal(t, int64(100*messageSize), report.DataPoints[1].Size)
	assert.Equal(t, int64(151*messageSize), report.TotalBytes)

	assert.Equal(t, int32(1), subscriber.releases.Load())
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestReceiver_CorruptMessage(t *testing.T) {
	subscriber := newFakeSubscriber()
	r, clock := newTestReceiver(subscriber, &countingNotifier{})

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 260, func(i int) decimal.Decimal {
		if i == 120 {
			return corruptAmount
		}
		return message.ExpectedAmount
	})
	result := awaitResult(t, results)
	require.NoError(t, result.err)

	assert.Equal(t, int64(1), result.report.Failures)
	assert.Equal(t, int64(199), result.report.ValidCount)
	require.Len(t, result.report.DataPoints, 2)
	assert.Equal(t, int64(0), result.report.DataPoints[0].Failures)
	assert.Equal(t, int64(1), result.report.DataPoints[1].Failures)
}

func TestReceiver_WarmupMessagesAreNotValidated(t *testing.T) {
	subscriber := newFakeSubscriber()
	r, clock := newTestReceiver(subscriber, &countingNotifier{})

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 250, func(i int) decimal.Decimal {
		if i < 50 {
			return corruptAmount
		}
		return message.ExpectedAmount
	})
	result := awaitResult(t, results)
	require.NoError(t, result.err)
	assert.Equal(t, int64(0), result.report.Failures)
}

func TestReceiver_UndecodableDeliveryCountsAsFailure(t *testing.T) {
	subscriber := newFakeSubscriber()
	r, clock := newTestReceiver(subscriber, &countingNotifier{})

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 60, expectedAmount)
	handler(transport.NewDelivery([]byte("not json")))
	deliver(handler, clock, 189, expectedAmount)
	result := awaitResult(t, results)
	require.NoError(t, result.err)

	assert.Equal(t, int64(250), result.report.StopReceived)
	assert.Equal(t, int64(1), result.report.Failures)
}

func TestReceiver_DeliveriesPastStopPointAreIgnored(t *testing.T) {
	subscriber := newFakeSubscriber()
	config := testBenchmarkConfig()
	config.SnapshotInterval = 50
	clock := util.NewManualClock(time.Unix(0, 0))
	r := New(config, subscriber, &countingNotifier{}, clock, nil)

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 249, expectedAmount)

	// Holding the snapshot log stalls delivery 250 before it can complete the run.
	r.snapshots.mu.Lock()
	go handler(&transport.Delivery{Message: message.New(message.ExpectedAmount), Size: messageSize})
	require.Eventually(t, func() bool {
		return r.state.Counter.Received() == 250
	}, 5*time.Second, time.Millisecond)
	deliver(handler, clock, 50, func(int) decimal.Decimal { return corruptAmount })
	assert.False(t, r.detector.Stopped())
	r.snapshots.mu.Unlock()

	result := awaitResult(t, results)
	require.NoError(t, result.err)
	report := result.report

	assert.Equal(t, int64(250), report.StopReceived)
	assert.Equal(t, int64(300), report.Received)
	assert.Equal(t, int64(0), report.Failures)
	assert.Equal(t, int64(200), report.ValidCount)
	require.Len(t, report.DataPoints, 5)
	for _, p := range report.DataPoints {
		assert.LessOrEqual(t, p.Received, int64(250))
	}
	assert.Equal(t, int64(250), report.DataPoints[4].Received)
}

func TestReceiver_HostStop(t *testing.T) {
	subscriber := newFakeSubscriber()
	notifier := &countingNotifier{}
	r, clock := newTestReceiver(subscriber, notifier)

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 79, expectedAmount)
	r.RequestStop()
	deliver(handler, clock, 10, expectedAmount)
	result := awaitResult(t, results)
	require.NoError(t, result.err)

	assert.Equal(t, StopReasonHostRequest, result.report.StopReason)
	assert.Equal(t, int64(80), result.report.StopReceived)
	assert.Equal(t, int64(30), result.report.MeasuredCount)
	assert.Equal(t, 30*tick, result.report.Elapsed)
	assert.Empty(t, result.report.DataPoints)
	assert.Equal(t, int32(1), subscriber.releases.Load())
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestReceiver_RepeatedUnsubscribeSendsOneSignal(t *testing.T) {
	subscriber := newFakeSubscriber()
	notifier := &countingNotifier{}
	r, clock := newTestReceiver(subscriber, notifier)

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 249, expectedAmount)
	for i := 0; i < 3; i++ {
		require.NoError(t, subscriber.sub.Unsubscribe())
	}
	r.RequestStop()
	deliver(handler, clock, 5, expectedAmount)
	result := awaitResult(t, results)
	require.NoError(t, result.err)

	assert.Equal(t, int64(250), result.report.StopReceived)
	assert.Equal(t, StopReasonSampleSize, result.report.StopReason)
	assert.Equal(t, int32(1), subscriber.releases.Load())
	assert.Equal(t, int32(1), notifier.calls.Load())
}

func TestReceiver_NotificationFailureStillReturnsReport(t *testing.T) {
	subscriber := newFakeSubscriber()
	notifier := &countingNotifier{err: errors.New("bus unavailable")}
	r, clock := newTestReceiver(subscriber, notifier)

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 250, expectedAmount)
	result := awaitResult(t, results)

	require.Error(t, result.err)
	require.NotNil(t, result.report)
	assert.Equal(t, int64(200), result.report.MeasuredCount)
	assert.Equal(t, bencherrors.ExitNotification, bencherrors.ExitCodeFromError(result.err))
	var notificationErr *bencherrors.ErrNotification
	require.True(t, errors.As(result.err, &notificationErr))
	assert.Equal(t, "counting", notificationErr.Endpoint)
}

func TestReceiver_CancelAbandonsRun(t *testing.T) {
	subscriber := newFakeSubscriber()
	notifier := &countingNotifier{}
	r, clock := newTestReceiver(subscriber, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	handler, results := startRun(t, ctx, r, subscriber)
	deliver(handler, clock, 100, expectedAmount)
	cancel()
	result := awaitResult(t, results)

	assert.Nil(t, result.report)
	assert.True(t, errors.Is(result.err, context.Canceled))
	assert.Equal(t, int32(1), subscriber.releases.Load())
	assert.Equal(t, int32(0), notifier.calls.Load())
}

func TestReceiver_TraceDelay(t *testing.T) {
	subscriber := newFakeSubscriber()
	config := testBenchmarkConfig()
	config.TraceDelay = time.Millisecond
	clock := util.NewManualClock(time.Unix(0, 0))
	r := New(config, subscriber, &countingNotifier{}, clock, nil)

	handler, results := startRun(t, context.Background(), r, subscriber)
	time.Sleep(5 * time.Millisecond)
	deliver(handler, clock, 250, expectedAmount)
	result := awaitResult(t, results)
	require.NoError(t, result.err)
	assert.Equal(t, int64(200), result.report.MeasuredCount)
}

func TestReceiver_RunTwice(t *testing.T) {
	subscriber := newFakeSubscriber()
	r, clock := newTestReceiver(subscriber, &countingNotifier{})

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 250, expectedAmount)
	require.NoError(t, awaitResult(t, results).err)

	_, err := r.Run(context.Background())
	assert.Error(t, err)
}

func TestReceiver_SubscribeError(t *testing.T) {
	subscriber := newFakeSubscriber()
	subscriber.err = errors.New("no broker")
	r, _ := newTestReceiver(subscriber, &countingNotifier{})

	report, err := r.Run(context.Background())
	assert.Nil(t, report)
	assert.Error(t, err)
}

func TestReceiver_Metrics(t *testing.T) {
	subscriber := newFakeSubscriber()
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	clock := util.NewManualClock(time.Unix(0, 0))
	r := New(testBenchmarkConfig(), subscriber, &countingNotifier{}, clock, metrics)

	handler, results := startRun(t, context.Background(), r, subscriber)
	deliver(handler, clock, 260, func(i int) decimal.Decimal {
		if i == 120 {
			return corruptAmount
		}
		return message.ExpectedAmount
	})
	require.NoError(t, awaitResult(t, results).err)

	assert.Equal(t, 260.0, testutil.ToFloat64(metrics.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.failures))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.snapshots))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.elapsed))
	assert.InDelta(t, 100.0, testutil.ToFloat64(metrics.throughput), 1e-9)

	count, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestReceiver_ConcurrentDeliveryOverMemoryBus(t *testing.T) {
	bus := transport.NewMemoryBus(8, 512)
	r := New(testBenchmarkConfig(), bus, notify.NewBusNotifier(bus, "memory"), nil, nil)
	watch, err := bus.WatchCompletion()
	require.NoError(t, err)
	defer watch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 400; i++ {
		require.NoError(t, bus.Publish(ctx, message.New(message.ExpectedAmount)))
	}

	report, err := r.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), r.state.boundaryHits.Load(), "only one delivery may see the warm-up boundary")
	assert.Equal(t, int64(50), r.state.TimerStartedAt.Load())
	assert.Equal(t, StopReasonSampleSize, report.StopReason)
	assert.Equal(t, int64(250), report.StopReceived)
	assert.Equal(t, int64(200), report.MeasuredCount)
	assert.Equal(t, int64(0), report.Failures)
	assert.True(t, report.PayloadConsistent)
	assert.True(t, sort.SliceIsSorted(report.DataPoints, func(i, j int) bool {
		return report.DataPoints[i].Received < report.DataPoints[j].Received
	}))
	for _, p := range report.DataPoints {
		assert.Zero(t, p.Received%100)
		assert.LessOrEqual(t, p.Received, int64(250))
	}

	_, err = watch.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.CompletionsSent())
}
