package transport

import (
	"sync"
)

// Subscription is the handle returned by Subscribe. Unsubscribe may be called any number of
// times, from any goroutine, including from inside the handler; only the first call
// deregisters the handler and later calls return the same result.
type Subscription struct {
	description string
	release     func() error

	once sync.Once
	err  error
	done chan struct{}
}

func NewSubscription(description string, release func() error) *Subscription {
	return &Subscription{
		description: description,
		release:     release,
		done:        make(chan struct{}),
	}
}

func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.release()
		close(s.done)
	})
	return s.err
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// String describes what the subscription is attached to, for diagnostics.
func (s *Subscription) String() string {
	return s.description
}
