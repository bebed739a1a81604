// Package pulsarbus runs the benchmark over Apache Pulsar. Benchmark messages are consumed
// through a shared subscription by a pool of workers; the completion signal travels on its
// own topic.
package pulsarbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/transport"
	"github.com/G-Research/busbench/internal/common/pulsarutils"
)

type Bus struct {
	client      pulsar.Client
	config      *pulsarutils.PulsarConfig
	concurrency int

	mu                 sync.Mutex
	producer           pulsar.Producer
	completionProducer pulsar.Producer
	publishErrors      *multierror.Error
	consumers          sync.WaitGroup
}

// Connect creates a pulsar client from config. The bus owns the client.
func Connect(config *pulsarutils.PulsarConfig, concurrency int) (*Bus, error) {
	client, err := pulsarutils.NewPulsarClient(config)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating pulsar client")
	}
	return New(client, config, concurrency), nil
}

func New(client pulsar.Client, config *pulsarutils.PulsarConfig, concurrency int) *Bus {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Bus{client: client, config: config, concurrency: concurrency}
}

func (b *Bus) Name() string {
	return "pulsar"
}

func (b *Bus) Subscribe(handler transport.Handler) (*transport.Subscription, error) {
	consumer, err := b.client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       b.config.Topic,
		SubscriptionName:            b.subscriptionName(),
		Type:                        pulsar.Shared,
		ReceiverQueueSize:           b.config.ReceiverQueueSize,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error subscribing to %s", b.config.Topic)
	}

	stop := make(chan struct{})
	workers := &sync.WaitGroup{}
	for i := 0; i < b.concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			consume(consumer, handler, stop)
		}()
	}

	b.consumers.Add(1)
	description := fmt.Sprintf("pulsar topic %s (subscription=%s, workers=%d)", b.config.Topic, b.subscriptionName(), b.concurrency)
	return transport.NewSubscription(description, func() error {
		close(stop)
		// Release can be called from a worker, so the consumer is closed once they have all returned.
		go func() {
			defer b.consumers.Done()
			workers.Wait()
			consumer.Close()
			log.Debugf("closed consumer on %s", b.config.Topic)
		}()
		return nil
	}), nil
}

func (b *Bus) subscriptionName() string {
	if b.config.SubscriptionName != "" {
		return b.config.SubscriptionName
	}
	return "busbench-receiver"
}

func consume(consumer pulsar.Consumer, handler transport.Handler, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case msg, ok := <-consumer.Chan():
			if !ok {
				return
			}
			handler(transport.NewDelivery(msg.Payload()))
			consumer.AckID(msg.ID())
		}
	}
}

// Publish queues msg for sending. Errors are reported by the next Flush.
func (b *Bus) Publish(ctx context.Context, msg *message.Message) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	producer, err := b.getProducer()
	if err != nil {
		return err
	}
	producer.SendAsync(ctx, &pulsar.ProducerMessage{Payload: data}, func(_ pulsar.MessageID, _ *pulsar.ProducerMessage, err error) {
		if err != nil {
			b.mu.Lock()
			b.publishErrors = multierror.Append(b.publishErrors, err)
			b.mu.Unlock()
		}
	})
	return nil
}

// Flush waits until every queued message has been persisted and returns the errors
// collected since the previous flush.
func (b *Bus) Flush(_ context.Context) error {
	b.mu.Lock()
	producer := b.producer
	b.mu.Unlock()
	if producer == nil {
		return nil
	}
	if err := producer.Flush(); err != nil {
		return errors.WithStack(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	result := b.publishErrors
	b.publishErrors = nil
	return result.ErrorOrNil()
}

func (b *Bus) SendCompletion(ctx context.Context, signal *message.CompletionSignal) error {
	data, err := message.EncodeCompletion(signal)
	if err != nil {
		return err
	}
	producer, err := b.getCompletionProducer()
	if err != nil {
		return err
	}
	if _, err := producer.Send(ctx, &pulsar.ProducerMessage{Payload: data}); err != nil {
		return errors.Wrapf(err, "error sending completion signal to %s", b.config.CompletionTopic)
	}
	return nil
}

// WatchCompletion uses a fresh exclusive subscription starting at the latest message, so
// signals from earlier runs are not seen.
func (b *Bus) WatchCompletion() (transport.CompletionWatch, error) {
	consumer, err := b.client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       b.config.CompletionTopic,
		SubscriptionName:            "busbench-sender-" + uuid.NewString(),
		Type:                        pulsar.Exclusive,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionLatest,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error subscribing to %s", b.config.CompletionTopic)
	}
	return &completionWatch{consumer: consumer}, nil
}

func (b *Bus) getProducer() (pulsar.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil {
		return b.producer, nil
	}
	producer, err := b.createProducer(b.config.Topic)
	if err != nil {
		return nil, err
	}
	b.producer = producer
	return producer, nil
}

func (b *Bus) getCompletionProducer() (pulsar.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completionProducer != nil {
		return b.completionProducer, nil
	}
	producer, err := b.createProducer(b.config.CompletionTopic)
	if err != nil {
		return nil, err
	}
	b.completionProducer = producer
	return producer, nil
}

func (b *Bus) createProducer(topic string) (pulsar.Producer, error) {
	producer, err := b.client.CreateProducer(pulsar.ProducerOptions{
		Name:            fmt.Sprintf("busbench-%s", uuid.NewString()),
		Topic:           topic,
		CompressionType: b.config.CompressionType,
		SendTimeout:     b.config.OperationTimeout,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error creating pulsar producer for %s", topic)
	}
	return producer, nil
}

// Close flushes and closes the producers, waits for released consumers to close and
// closes the client.
func (b *Bus) Close() error {
	var result *multierror.Error
	if err := b.Flush(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	b.mu.Lock()
	if b.producer != nil {
		b.producer.Close()
	}
	if b.completionProducer != nil {
		b.completionProducer.Close()
	}
	b.mu.Unlock()
	b.consumers.Wait()
	b.client.Close()
	return result.ErrorOrNil()
}

type completionWatch struct {
	consumer pulsar.Consumer
}

func (w *completionWatch) Wait(ctx context.Context) (*message.CompletionSignal, error) {
	msg, err := w.consumer.Receive(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w.consumer.AckID(msg.ID())
	return message.DecodeCompletion(msg.Payload())
}

func (w *completionWatch) Close() error {
	if err := w.consumer.Unsubscribe(); err != nil {
		log.WithError(err).Warn("failed to remove completion subscription")
	}
	w.consumer.Close()
	return nil
}
