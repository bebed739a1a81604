package configuration

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/shopspring/decimal"

	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/common/pulsarutils"
)

const (
	TransportPulsar = "pulsar"
	TransportNats   = "nats"
	TransportStan   = "stan"
	TransportMemory = "memory"

	NotifierBus     = "bus"
	NotifierRedis   = "redis"
	NotifierWebhook = "webhook"
	NotifierNone    = "none"
)

type BusbenchConfig struct {
	// Port to serve prometheus metrics on; 0 disables the server
	MetricsPort uint16
	LogLevel    string `validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`

	Benchmark BenchmarkConfig
	Transport TransportConfig
	Notifier  NotifierConfig
	Send      SendConfig
}

type BenchmarkConfig struct {
	// Number of messages at the start of the run that are excluded from timing
	RampUp int64 `validate:"gte=1"`
	// Message budget; the run stops when received + RampUp == SampleSize
	SampleSize int64 `validate:"gt=0"`
	// A data point is captured for every measured message whose sequence number is a multiple of this
	SnapshotInterval int64 `validate:"gte=1"`
	ExpectedAmount   decimal.Decimal
	AmountTolerance  decimal.Decimal
	ExpectedPayload  string `validate:"required"`
	// How long to wait after subscribing before logging a diagnostic trace; 0 disables the trace
	TraceDelay time.Duration `validate:"gte=0"`
}

type TransportConfig struct {
	Kind string `validate:"oneof=pulsar nats stan memory"`
	// Number of handlers the transport runs in parallel
	Concurrency int `validate:"gte=1"`
	// Only the section matching Kind is used and validated
	Pulsar          pulsarutils.PulsarConfig `validate:"-"`
	Nats            NatsConfig               `validate:"-"`
	Stan            StanConfig               `validate:"-"`
	MemoryQueueSize int                      `validate:"gte=0"`
}

type NatsConfig struct {
	Servers           []string `validate:"required,min=1"`
	Subject           string   `validate:"required"`
	CompletionSubject string   `validate:"required"`
	QueueGroup        string   `validate:"required"`
	ConnTimeout       time.Duration
}

type StanConfig struct {
	ClusterId         string   `validate:"required"`
	ClientId          string   `validate:"required"`
	Servers           []string `validate:"required,min=1"`
	Subject           string   `validate:"required"`
	CompletionSubject string   `validate:"required"`
	QueueGroup        string   `validate:"required"`
	// Durable name for the queue subscription; empty means non-durable
	DurableName string
}

type NotifierConfig struct {
	Kind     string `validate:"oneof=bus redis webhook none"`
	RedisKey string
	Redis    redis.UniversalOptions `validate:"-"`
	Webhook  WebhookConfig          `validate:"-"`
}

type WebhookConfig struct {
	URL     string `validate:"required,url"`
	Timeout time.Duration
	Headers map[string]string
}

type SendConfig struct {
	// Number of messages to publish
	Count int `validate:"gte=1"`
	// Every CorruptEvery-th message carries an amount outside tolerance; 0 disables
	CorruptEvery int `validate:"gte=0"`
	Concurrency  int `validate:"gte=1"`
	// Wait for the receiver's completion signal after publishing
	AwaitCompletion bool
	// Upper bound on the whole send command, including the wait; 0 means no limit
	Timeout time.Duration `validate:"gte=0"`
}

// Default returns the configuration used when neither a config file nor flags override it.
// The benchmark defaults reproduce the classic 50/300 receiver run.
func Default() BusbenchConfig {
	return BusbenchConfig{
		MetricsPort: 9090,
		LogLevel:    "info",
		Benchmark: BenchmarkConfig{
			RampUp:           50,
			SampleSize:       300,
			SnapshotInterval: 100,
			ExpectedAmount:   message.ExpectedAmount,
			AmountTolerance:  message.DefaultTolerance,
			ExpectedPayload:  message.PayloadMessage,
			TraceDelay:       time.Second,
		},
		Transport: TransportConfig{
			Kind:        TransportNats,
			Concurrency: 4,
			Pulsar: pulsarutils.PulsarConfig{
				URL:               "pulsar://localhost:6650",
				Topic:             "busbench-receiver",
				CompletionTopic:   "busbench-sender",
				SubscriptionName:  "busbench-receiver",
				ReceiverQueueSize: 1000,
				OperationTimeout:  30 * time.Second,
			},
			Nats: NatsConfig{
				Servers:           []string{"nats://localhost:4222"},
				Subject:           "busbench.receiver",
				CompletionSubject: "busbench.sender",
				QueueGroup:        "busbench-receiver",
				ConnTimeout:       10 * time.Second,
			},
			Stan: StanConfig{
				ClusterId:         "test-cluster",
				ClientId:          "busbench",
				Servers:           []string{"nats://localhost:4223"},
				Subject:           "busbench.receiver",
				CompletionSubject: "busbench.sender",
				QueueGroup:        "busbench-receiver",
			},
		},
		Notifier: NotifierConfig{
			Kind:     NotifierBus,
			RedisKey: "busbench:completion",
			Redis: redis.UniversalOptions{
				Addrs: []string{"localhost:6379"},
			},
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
			},
		},
		Send: SendConfig{
			Count:           300,
			Concurrency:     4,
			AwaitCompletion: true,
			Timeout:         5 * time.Minute,
		},
	}
}
