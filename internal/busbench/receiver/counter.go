package receiver

import "sync/atomic"

// DeliveryCounter hands every delivered message a unique sequence number.
// Each increment returns the post-increment value; no two callers ever see the same value,
// which is what the exact-equality triggers of WarmupGate and CompletionDetector rely on.
type DeliveryCounter struct {
	received atomic.Int64
	failures atomic.Int64
}

func (c *DeliveryCounter) IncrementReceived() int64 {
	return c.received.Add(1)
}

func (c *DeliveryCounter) IncrementFailures() int64 {
	return c.failures.Add(1)
}

func (c *DeliveryCounter) Received() int64 {
	return c.received.Load()
}

func (c *DeliveryCounter) Failures() int64 {
	return c.failures.Load()
}
