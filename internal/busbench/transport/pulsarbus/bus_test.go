package pulsarbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/transport"
	"github.com/G-Research/busbench/internal/common/pulsarutils"
)

type mockConsumer struct {
	pulsar.Consumer
	ch           chan pulsar.ConsumerMessage
	acked        atomic.Int32
	closed       atomic.Bool
	unsubscribed atomic.Bool
}

func newMockConsumer() *mockConsumer {
	return &mockConsumer{ch: make(chan pulsar.ConsumerMessage, 100)}
}

func (c *mockConsumer) Chan() <-chan pulsar.ConsumerMessage {
	return c.ch
}

func (c *mockConsumer) Receive(ctx context.Context) (pulsar.Message, error) {
	select {
	case msg := <-c.ch:
		return msg.Message, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConsumer) AckID(_ pulsar.MessageID) {
	c.acked.Add(1)
}

func (c *mockConsumer) Unsubscribe() error {
	c.unsubscribed.Store(true)
	return nil
}

func (c *mockConsumer) Close() {
	c.closed.Store(true)
}

type mockProducer struct {
	pulsar.Producer
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func (p *mockProducer) SendAsync(_ context.Context, msg *pulsar.ProducerMessage, f func(pulsar.MessageID, *pulsar.ProducerMessage, error)) {
	p.mu.Lock()
	p.sent = append(p.sent, msg.Payload)
	p.mu.Unlock()
	f(pulsarutils.NewMessageId(1), msg, p.sendErr)
}

func (p *mockProducer) Send(_ context.Context, msg *pulsar.ProducerMessage) (pulsar.MessageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg.Payload)
	return pulsarutils.NewMessageId(1), p.sendErr
}

func (p *mockProducer) Flush() error {
	return nil
}

func (p *mockProducer) Close() {}

func (p *mockProducer) payloads() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte{}, p.sent...)
}

type mockClient struct {
	pulsar.Client
	mu        sync.Mutex
	options   []pulsar.ConsumerOptions
	consumers map[string]*mockConsumer
	producers map[string]*mockProducer
	closed    bool
}

func newMockClient() *mockClient {
	return &mockClient{
		consumers: map[string]*mockConsumer{},
		producers: map[string]*mockProducer{},
	}
}

func (c *mockClient) Subscribe(options pulsar.ConsumerOptions) (pulsar.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = append(c.options, options)
	consumer, ok := c.consumers[options.Topic]
	if !ok {
		consumer = newMockConsumer()
		c.consumers[options.Topic] = consumer
	}
	return consumer, nil
}

func (c *mockClient) CreateProducer(options pulsar.ProducerOptions) (pulsar.Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	producer, ok := c.producers[options.Topic]
	if !ok {
		producer = &mockProducer{}
		c.producers[options.Topic] = producer
	}
	return producer, nil
}

func (c *mockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *mockClient) consumer(topic string) *mockConsumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	consumer, ok := c.consumers[topic]
	if !ok {
		consumer = newMockConsumer()
		c.consumers[topic] = consumer
	}
	return consumer
}

func testConfig() *pulsarutils.PulsarConfig {
	return &pulsarutils.PulsarConfig{
		URL:               "pulsar://localhost:6650",
		Topic:             "perf",
		CompletionTopic:   "perf-done",
		SubscriptionName:  "perf-receiver",
		ReceiverQueueSize: 10,
	}
}

func encoded(t *testing.T) []byte {
	data, err := message.Encode(message.New(message.ExpectedAmount))
	require.NoError(t, err)
	return data
}

func TestSubscribe_DeliversAndAcks(t *testing.T) {
	client := newMockClient()
	bus := New(client, testConfig(), 4)
	consumer := client.consumer("perf")

	data := encoded(t)
	for i := 0; i < 20; i++ {
		consumer.ch <- pulsar.ConsumerMessage{Message: pulsarutils.NewPulsarMessage(i, time.Now(), data)}
	}

	var delivered atomic.Int32
	all := make(chan struct{})
	sub, err := bus.Subscribe(func(d *transport.Delivery) {
		assert.NoError(t, d.Err)
		assert.Equal(t, int64(len(data)), d.Size)
		if delivered.Add(1) == 20 {
			close(all)
		}
	})
	require.NoError(t, err)

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not delivered")
	}
	require.NoError(t, sub.Unsubscribe())
	assert.Eventually(t, func() bool { return consumer.closed.Load() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(20), consumer.acked.Load())

	require.Len(t, client.options, 1)
	assert.Equal(t, pulsar.Shared, client.options[0].Type)
	assert.Equal(t, "perf-receiver", client.options[0].SubscriptionName)
	assert.Equal(t, 10, client.options[0].ReceiverQueueSize)
	assert.Contains(t, sub.String(), "workers=4")
}

func TestSubscribe_UnsubscribeFromHandler(t *testing.T) {
	client := newMockClient()
	bus := New(client, testConfig(), 2)
	consumer := client.consumer("perf")
	data := encoded(t)
	for i := 0; i < 10; i++ {
		consumer.ch <- pulsar.ConsumerMessage{Message: pulsarutils.NewPulsarMessage(i, time.Now(), data)}
	}

	var sub *transport.Subscription
	ready := make(chan struct{})
	var handled atomic.Int32
	sub, err := bus.Subscribe(func(d *transport.Delivery) {
		<-ready
		handled.Add(1)
		assert.NoError(t, sub.Unsubscribe())
	})
	require.NoError(t, err)
	close(ready)

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not released")
	}
	require.NoError(t, bus.Close())
	assert.True(t, consumer.closed.Load())
	assert.LessOrEqual(t, handled.Load(), int32(2), "each worker stops after the release")
}

func TestPublishAndFlush(t *testing.T) {
	client := newMockClient()
	bus := New(client, testConfig(), 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), message.New(message.ExpectedAmount)))
	}
	require.NoError(t, bus.Flush(context.Background()))

	payloads := client.producers["perf"].payloads()
	require.Len(t, payloads, 5)
	msg, err := message.Decode(payloads[0])
	require.NoError(t, err)
	assert.True(t, message.ExpectedAmount.Equal(msg.Amount))
}

func TestFlush_ReportsAsyncErrors(t *testing.T) {
	client := newMockClient()
	client.producers["perf"] = &mockProducer{sendErr: errors.New("topic terminated")}
	bus := New(client, testConfig(), 1)

	require.NoError(t, bus.Publish(context.Background(), message.New(message.ExpectedAmount)))
	require.NoError(t, bus.Publish(context.Background(), message.New(message.ExpectedAmount)))
	err := bus.Flush(context.Background())
	assert.ErrorContains(t, err, "topic terminated")
	assert.NoError(t, bus.Flush(context.Background()), "errors are only reported once")
}

func TestFlush_NothingPublished(t *testing.T) {
	bus := New(newMockClient(), testConfig(), 1)
	assert.NoError(t, bus.Flush(context.Background()))
}

func TestCompletionRoundTrip(t *testing.T) {
	client := newMockClient()
	bus := New(client, testConfig(), 1)

	watch, err := bus.WatchCompletion()
	require.NoError(t, err)
	require.NoError(t, bus.SendCompletion(context.Background(), &message.CompletionSignal{}))

	payloads := client.producers["perf-done"].payloads()
	require.Len(t, payloads, 1)
	doneConsumer := client.consumer("perf-done")
	doneConsumer.ch <- pulsar.ConsumerMessage{Message: pulsarutils.NewPulsarMessage(1, time.Now(), payloads[0])}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	signal, err := watch.Wait(ctx)
	require.NoError(t, err)
	assert.NotNil(t, signal)
	assert.Equal(t, int32(1), doneConsumer.acked.Load())

	require.NoError(t, watch.Close())
	assert.True(t, doneConsumer.unsubscribed.Load())

	last := client.options[len(client.options)-1]
	assert.Equal(t, pulsar.Exclusive, last.Type)
	assert.Equal(t, pulsar.SubscriptionPositionLatest, last.SubscriptionInitialPosition)
}

func TestClose(t *testing.T) {
	client := newMockClient()
	bus := New(client, testConfig(), 1)
	require.NoError(t, bus.Publish(context.Background(), message.New(message.ExpectedAmount)))
	require.NoError(t, bus.Close())
	assert.True(t, client.closed)
	assert.Equal(t, "pulsar", bus.Name())
}
