// Package natsbus runs the benchmark over core NATS using queue group subscriptions.
package natsbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/G-Research/busbench/internal/busbench/configuration"
	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/transport"
)

type Bus struct {
	conn        *nats.Conn
	config      configuration.NatsConfig
	concurrency int
}

func Connect(config configuration.NatsConfig, concurrency int) (*Bus, error) {
	options := []nats.Option{
		nats.Name("busbench-" + uuid.NewString()),
		nats.MaxReconnects(-1),
	}
	if config.ConnTimeout > 0 {
		options = append(options, nats.Timeout(config.ConnTimeout))
	}
	conn, err := nats.Connect(strings.Join(config.Servers, ","), options...)
	if err != nil {
		return nil, errors.WithMessagef(err, "error connecting to %s", strings.Join(config.Servers, ","))
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Bus{conn: conn, config: config, concurrency: concurrency}, nil
}

func (b *Bus) Name() string {
	return "nats"
}

// Subscribe joins the queue group once per unit of concurrency. Each subscription has its own
// dispatch goroutine, so up to `concurrency` handlers run at once.
func (b *Bus) Subscribe(handler transport.Handler) (*transport.Subscription, error) {
	callback := func(msg *nats.Msg) {
		handler(transport.NewDelivery(msg.Data))
	}
	subs := make([]*nats.Subscription, 0, b.concurrency)
	for i := 0; i < b.concurrency; i++ {
		sub, err := b.conn.QueueSubscribe(b.config.Subject, b.config.QueueGroup, callback)
		if err != nil {
			_ = unsubscribeAll(subs)
			return nil, errors.WithMessagef(err, "error when trying to queue subscribe to %q", b.config.Subject)
		}
		subs = append(subs, sub)
	}
	// Make sure the server knows about the subscriptions before returning.
	if err := b.conn.Flush(); err != nil {
		_ = unsubscribeAll(subs)
		return nil, errors.WithStack(err)
	}

	description := fmt.Sprintf("nats subject %s (queue=%s, subscriptions=%d)", b.config.Subject, b.config.QueueGroup, len(subs))
	return transport.NewSubscription(description, func() error {
		return unsubscribeAll(subs)
	}), nil
}

func unsubscribeAll(subs []*nats.Subscription) error {
	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			result = multierror.Append(result, errors.WithStack(err))
		}
	}
	return result.ErrorOrNil()
}

func (b *Bus) Publish(_ context.Context, msg *message.Message) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.config.Subject, data); err != nil {
		return errors.Wrapf(err, "error when publishing to subject %q", b.config.Subject)
	}
	return nil
}

// Flush round-trips to the server. Uses ctx if it carries a deadline, otherwise the
// connection's default timeout.
func (b *Bus) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); ok {
		return errors.WithStack(b.conn.FlushWithContext(ctx))
	}
	return errors.WithStack(b.conn.Flush())
}

func (b *Bus) SendCompletion(ctx context.Context, signal *message.CompletionSignal) error {
	data, err := message.EncodeCompletion(signal)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.config.CompletionSubject, data); err != nil {
		return errors.Wrapf(err, "error when publishing to subject %q", b.config.CompletionSubject)
	}
	return b.Flush(ctx)
}

// WatchCompletion subscribes before returning; core NATS drops messages that nobody is
// subscribed to.
func (b *Bus) WatchCompletion() (transport.CompletionWatch, error) {
	sub, err := b.conn.SubscribeSync(b.config.CompletionSubject)
	if err != nil {
		return nil, errors.WithMessagef(err, "error subscribing to %q", b.config.CompletionSubject)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.WithStack(err)
	}
	return &completionWatch{sub: sub}, nil
}

func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}

type completionWatch struct {
	sub *nats.Subscription
}

func (w *completionWatch) Wait(ctx context.Context) (*message.CompletionSignal, error) {
	msg, err := w.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return message.DecodeCompletion(msg.Data)
}

func (w *completionWatch) Close() error {
	return errors.WithStack(w.sub.Unsubscribe())
}
