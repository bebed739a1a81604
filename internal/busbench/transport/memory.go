package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/busbench/internal/busbench/message"
)

const (
	defaultMemoryQueueSize   = 1024
	completionChannelBacklog = 16
)

// MemoryBus is an in-process Bus. Published messages are queued and dispatched by
// `concurrency` worker goroutines while a subscription is active; messages published with
// no active subscription wait in the queue.
type MemoryBus struct {
	concurrency int
	queue       chan []byte

	mu          sync.Mutex
	active      *Subscription
	watches     map[*memoryWatch]struct{}
	completions int
	closed      bool
}

func NewMemoryBus(concurrency int, queueSize int) *MemoryBus {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = defaultMemoryQueueSize
	}
	return &MemoryBus{
		concurrency: concurrency,
		queue:       make(chan []byte, queueSize),
		watches:     make(map[*memoryWatch]struct{}),
	}
}

func (b *MemoryBus) Name() string {
	return "memory"
}

func (b *MemoryBus) Subscribe(handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory bus is closed")
	}
	if b.active != nil {
		select {
		case <-b.active.Done():
		default:
			return nil, errors.New("memory bus already has an active subscription")
		}
	}

	stop := make(chan struct{})
	sub := NewSubscription(
		fmt.Sprintf("memory queue (workers=%d, capacity=%d)", b.concurrency, cap(b.queue)),
		func() error {
			close(stop)
			return nil
		})
	for i := 0; i < b.concurrency; i++ {
		go b.dispatch(handler, stop)
	}
	b.active = sub
	return sub, nil
}

func (b *MemoryBus) dispatch(handler Handler, stop <-chan struct{}) {
	for {
		// Checked first so that no message is taken off the queue after release.
		select {
		case <-stop:
			return
		default:
		}
		select {
		case <-stop:
			return
		case data := <-b.queue:
			handler(NewDelivery(data))
		}
	}
}

func (b *MemoryBus) Publish(ctx context.Context, msg *message.Message) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	return b.PublishRaw(ctx, data)
}

// PublishRaw queues pre-encoded bytes; used to inject undecodable messages.
func (b *MemoryBus) PublishRaw(ctx context.Context, data []byte) error {
	select {
	case b.queue <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Flush(_ context.Context) error {
	return nil
}

// Pending returns the number of queued messages not yet dispatched.
func (b *MemoryBus) Pending() int {
	return len(b.queue)
}

func (b *MemoryBus) SendCompletion(_ context.Context, signal *message.CompletionSignal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("memory bus is closed")
	}
	b.completions++
	for w := range b.watches {
		select {
		case w.c <- signal:
		default:
			return errors.New("completion watch backlog is full")
		}
	}
	return nil
}

// CompletionsSent returns how many completion signals were sent on this bus.
func (b *MemoryBus) CompletionsSent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completions
}

func (b *MemoryBus) WatchCompletion() (CompletionWatch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("memory bus is closed")
	}
	w := &memoryWatch{bus: b, c: make(chan *message.CompletionSignal, completionChannelBacklog)}
	b.watches[w] = struct{}{}
	return w, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	active := b.active
	b.closed = true
	b.mu.Unlock()
	if active != nil {
		return active.Unsubscribe()
	}
	return nil
}

type memoryWatch struct {
	bus *MemoryBus
	c   chan *message.CompletionSignal
}

func (w *memoryWatch) Wait(ctx context.Context) (*message.CompletionSignal, error) {
	select {
	case signal := <-w.c:
		return signal, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *memoryWatch) Close() error {
	w.bus.mu.Lock()
	defer w.bus.mu.Unlock()
	delete(w.bus.watches, w)
	return nil
}
