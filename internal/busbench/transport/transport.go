// Package transport defines how busbench talks to a message bus: subscribing a handler for
// inbound benchmark messages, publishing them, and exchanging the one-off completion signal.
// Concrete buses live in the subpackages; MemoryBus is an in-process implementation.
package transport

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/busbench/internal/busbench/message"
)

// Delivery is one inbound message as handed to a Handler.
type Delivery struct {
	// Nil if the payload could not be decoded.
	Message *message.Message
	// Encoded size in bytes. Zero when the transport doesn't know it.
	Size int64
	// Decoding error, if any.
	Err error
}

// Handler processes a delivery. Transports may call it from several goroutines at once.
type Handler func(d *Delivery)

type Subscriber interface {
	Subscribe(handler Handler) (*Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg *message.Message) error
	// Flush blocks until previously published messages have been handed to the broker.
	Flush(ctx context.Context) error
}

type SignalSender interface {
	SendCompletion(ctx context.Context, signal *message.CompletionSignal) error
}

// CompletionWatch receives the completion signal. It must be created before the signal can
// possibly be sent, since not every transport retains messages for late subscribers.
type CompletionWatch interface {
	Wait(ctx context.Context) (*message.CompletionSignal, error)
	Close() error
}

type SignalWaiter interface {
	WatchCompletion() (CompletionWatch, error)
}

type Bus interface {
	Subscriber
	Publisher
	SignalSender
	SignalWaiter
	Name() string
	Close() error
}

// NewDelivery decodes data into a Delivery. Undecodable data still produces a delivery,
// with Err set, so that it is counted by the receiver.
func NewDelivery(data []byte) *Delivery {
	msg, err := message.Decode(data)
	if err != nil {
		log.WithError(err).Warnf("received undecodable message of %d bytes", len(data))
	}
	return &Delivery{
		Message: msg,
		Size:    int64(len(data)),
		Err:     err,
	}
}
