// Package notify delivers the completion signal that tells the sender a run is over.
package notify

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/transport"
)

type Notifier interface {
	Notify(ctx context.Context, signal *message.CompletionSignal) error
	// Endpoint describes where signals go, for logs and errors.
	Endpoint() string
}

// BusNotifier sends the signal over the same bus the benchmark messages arrived on.
type BusNotifier struct {
	sender   transport.SignalSender
	endpoint string
}

func NewBusNotifier(sender transport.SignalSender, endpoint string) *BusNotifier {
	return &BusNotifier{sender: sender, endpoint: endpoint}
}

func (n *BusNotifier) Notify(ctx context.Context, signal *message.CompletionSignal) error {
	return n.sender.SendCompletion(ctx, signal)
}

func (n *BusNotifier) Endpoint() string {
	return n.endpoint
}

// LogNotifier only logs. Used when no sender is waiting for the signal.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, _ *message.CompletionSignal) error {
	log.Info("run complete, completion signal disabled")
	return nil
}

func (LogNotifier) Endpoint() string {
	return "log"
}

// Once wraps n so that at most one signal is ever sent; later calls return the first result.
func Once(n Notifier) Notifier {
	if o, ok := n.(*onceNotifier); ok {
		return o
	}
	return &onceNotifier{delegate: n}
}

type onceNotifier struct {
	delegate Notifier
	once     sync.Once
	err      error
}

func (o *onceNotifier) Notify(ctx context.Context, signal *message.CompletionSignal) error {
	o.once.Do(func() {
		o.err = o.delegate.Notify(ctx, signal)
	})
	return o.err
}

func (o *onceNotifier) Endpoint() string {
	return o.delegate.Endpoint()
}
