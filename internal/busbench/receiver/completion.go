package receiver

import (
	"sync"
	"sync/atomic"
)

type StopReason string

const (
	// The sample budget was reached.
	StopReasonSampleSize StopReason = "sampleSize"
	// The host asked the run to end early.
	StopReasonHostRequest StopReason = "hostRequest"
)

// CompletionDetector decides when the run is over and makes sure the stop sequence runs once.
//
// The natural stop point is the delivery whose sequence number satisfies
// received + rampUp == sampleSize, so the measured window spans sampleSize - 2*rampUp
// messages after the warm-up boundary. Like the warm-up boundary this is an exact match:
// if the transport ever skips or repeats a sequence number the run never completes.
type CompletionDetector struct {
	rampUp     int64
	sampleSize int64

	stopRequested atomic.Bool
	stopped       atomic.Bool

	once         sync.Once
	done         chan struct{}
	stopReceived int64
	reason       StopReason
}

func NewCompletionDetector(rampUp, sampleSize int64) *CompletionDetector {
	return &CompletionDetector{
		rampUp:     rampUp,
		sampleSize: sampleSize,
		done:       make(chan struct{}),
	}
}

// RequestStop raises the host stop flag. The next measured delivery stops the run.
func (d *CompletionDetector) RequestStop() {
	d.stopRequested.Store(true)
}

func (d *CompletionDetector) StopRequested() bool {
	return d.stopRequested.Load()
}

// StopPoint is the sequence number at which the run stops by itself.
func (d *CompletionDetector) StopPoint() int64 {
	return d.sampleSize - d.rampUp
}

func (d *CompletionDetector) ShouldStop(received int64) (StopReason, bool) {
	if received+d.rampUp == d.sampleSize {
		return StopReasonSampleSize, true
	}
	if d.stopRequested.Load() {
		return StopReasonHostRequest, true
	}
	return "", false
}

// Complete runs stop at most once over the lifetime of the detector and reports whether this
// call was the one that ran it. Several deliveries can observe the host stop flag at once,
// so the natural trigger's uniqueness alone isn't enough here.
func (d *CompletionDetector) Complete(received int64, reason StopReason, stop func(received int64, reason StopReason)) bool {
	ran := false
	d.once.Do(func() {
		ran = true
		d.stopReceived = received
		d.reason = reason
		d.stopped.Store(true)
		stop(received, reason)
		close(d.done)
	})
	return ran
}

func (d *CompletionDetector) Stopped() bool {
	return d.stopped.Load()
}

// Done is closed after the stop sequence has finished.
func (d *CompletionDetector) Done() <-chan struct{} {
	return d.done
}

// Result returns the sequence number and reason of the stopping delivery.
// Blocks until Done is closed.
func (d *CompletionDetector) Result() (int64, StopReason) {
	<-d.done
	return d.stopReceived, d.reason
}
