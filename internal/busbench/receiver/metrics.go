package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "busbench_"

type Metrics struct {
	received   prometheus.Counter
	failures   prometheus.Counter
	snapshots  prometheus.Counter
	elapsed    prometheus.Gauge
	throughput prometheus.Gauge
}

// NewMetrics creates the receiver metrics and registers them with reg.
// A nil registerer yields working metrics that aren't exported anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		received: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "messages_received_total",
			Help: "Number of messages delivered to the receiver, including warm-up messages",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "validation_failures_total",
			Help: "Number of measured messages that failed validation",
		}),
		snapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "snapshots_total",
			Help: "Number of data points captured",
		}),
		elapsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "run_elapsed_seconds",
			Help: "Length of the measured window of the last completed run",
		}),
		throughput: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "run_throughput",
			Help: "Messages per second over the measured window of the last completed run",
		}),
	}
}

func (m *Metrics) RecordReceived() {
	m.received.Inc()
}

func (m *Metrics) RecordFailure() {
	m.failures.Inc()
}

func (m *Metrics) RecordSnapshot() {
	m.snapshots.Inc()
}

func (m *Metrics) RecordReport(report *Report) {
	m.elapsed.Set(report.Elapsed.Seconds())
	m.throughput.Set(report.Throughput)
}
