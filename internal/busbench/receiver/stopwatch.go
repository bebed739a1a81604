package receiver

import (
	"sync"
	"time"

	"github.com/G-Research/busbench/internal/common/util"
)

// Stopwatch measures the elapsed time of the measured window.
// It can be started and stopped once each; Elapsed may be read concurrently at any time.
type Stopwatch struct {
	clock util.Clock

	mu      sync.Mutex
	start   time.Time
	end     time.Time
	started bool
	stopped bool
}

func NewStopwatch(clock util.Clock) *Stopwatch {
	return &Stopwatch{clock: clock}
}

// Start returns false if the stopwatch had already been started or stopped.
func (s *Stopwatch) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return false
	}
	s.start = s.clock.Now()
	s.started = true
	return true
}

// Stop freezes the elapsed time and returns it. Stopping a stopwatch that was never
// started yields zero and keeps it from being started later; stopping twice keeps the
// first reading.
func (s *Stopwatch) Stop() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.end = s.clock.Now()
		s.stopped = true
	}
	return s.elapsedLocked()
}

func (s *Stopwatch) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Stopwatch) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Stopwatch) elapsedLocked() time.Duration {
	switch {
	case !s.started:
		return 0
	case s.stopped:
		return s.end.Sub(s.start)
	default:
		return s.clock.Now().Sub(s.start)
	}
}
