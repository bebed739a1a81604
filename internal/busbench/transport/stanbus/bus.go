// Package stanbus runs the benchmark over NATS Streaming.
package stanbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"

	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/transport"
)

type Bus struct {
	conn        *DurableConnection
	config      configuration.StanConfig
	concurrency int

	pending       sync.WaitGroup
	mu            sync.Mutex
	publishErrors *multierror.Error
}

// Connect opens a durable connection. The configured client id gets a random suffix since
// the streaming server rejects two live connections with the same id.
func Connect(config configuration.StanConfig, concurrency int) (*Bus, error) {
	clientID := fmt.Sprintf("%s-%s", config.ClientId, uuid.NewString())
	conn, err := DurableConnect(config.ClusterId, clientID, strings.Join(config.Servers, ","))
	if err != nil {
		return nil, errors.WithMessagef(err, "error connecting to STAN cluster %s", config.ClusterId)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Bus{conn: conn, config: config, concurrency: concurrency}, nil
}

func (b *Bus) Name() string {
	return "stan"
}

func (b *Bus) Subscribe(handler transport.Handler) (*transport.Subscription, error) {
	callback := func(msg *stan.Msg) {
		handler(transport.NewDelivery(msg.Data))
	}
	var options []stan.SubscriptionOption
	if b.config.DurableName != "" {
		options = append(options, stan.DurableName(b.config.DurableName))
	}

	subs := make([]*DurableSubscription, 0, b.concurrency)
	for i := 0; i < b.concurrency; i++ {
		sub, err := b.conn.QueueSubscribe(b.config.Subject, b.config.QueueGroup, callback, options...)
		if err != nil {
			_ = releaseAll(subs)
			return nil, errors.WithMessagef(err, "error when trying to queue subscribe to %q", b.config.Subject)
		}
		sub.keepDurable = b.config.DurableName != ""
		subs = append(subs, sub)
	}

	description := fmt.Sprintf("stan subject %s (queue=%s, durable=%q, subscriptions=%d)",
		b.config.Subject, b.config.QueueGroup, b.config.DurableName, len(subs))
	return transport.NewSubscription(description, func() error {
		return releaseAll(subs)
	}), nil
}

func releaseAll(subs []*DurableSubscription) error {
	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Publish sends asynchronously; Flush waits for the acks. Must not be called concurrently with Flush.
func (b *Bus) Publish(_ context.Context, msg *message.Message) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	b.pending.Add(1)
	_, err = b.conn.PublishAsync(b.config.Subject, data, func(_ string, err error) {
		if err != nil {
			b.mu.Lock()
			b.publishErrors = multierror.Append(b.publishErrors, err)
			b.mu.Unlock()
		}
		b.pending.Done()
	})
	if err != nil {
		b.pending.Done()
		return errors.Wrapf(err, "error when publishing to subject %q", b.config.Subject)
	}
	return nil
}

func (b *Bus) Flush(ctx context.Context) error {
	acked := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(acked)
	}()
	select {
	case <-acked:
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	result := b.publishErrors
	b.publishErrors = nil
	return result.ErrorOrNil()
}

func (b *Bus) SendCompletion(_ context.Context, signal *message.CompletionSignal) error {
	data, err := message.EncodeCompletion(signal)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.config.CompletionSubject, data); err != nil {
		return errors.Wrapf(err, "error when publishing to subject %q", b.config.CompletionSubject)
	}
	return nil
}

// WatchCompletion subscribes at the default "new only" start position, so signals of
// earlier runs stored by the server aren't delivered.
func (b *Bus) WatchCompletion() (transport.CompletionWatch, error) {
	signals := make(chan []byte, 1)
	sub, err := b.conn.Subscribe(b.config.CompletionSubject, func(msg *stan.Msg) {
		select {
		case signals <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "error subscribing to %q", b.config.CompletionSubject)
	}
	return &completionWatch{sub: sub, signals: signals}, nil
}

func (b *Bus) Close() error {
	return b.conn.Close()
}

type completionWatch struct {
	sub     *DurableSubscription
	signals chan []byte
}

func (w *completionWatch) Wait(ctx context.Context) (*message.CompletionSignal, error) {
	select {
	case data := <-w.signals:
		return message.DecodeCompletion(data)
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

func (w *completionWatch) Close() error {
	return w.sub.Release()
}
