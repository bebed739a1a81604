package receiver

import "fmt"

type Phase int

const (
	// PreWarmup messages are ignored for timing and validation.
	PreWarmup Phase = iota
	// WarmupBoundary is the single message that starts the timer.
	WarmupBoundary
	Measured
)

func (p Phase) String() string {
	switch p {
	case PreWarmup:
		return "PreWarmup"
	case WarmupBoundary:
		return "WarmupBoundary"
	case Measured:
		return "Measured"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// WarmupGate classifies sequence numbers relative to the ramp-up count.
// The boundary is an exact match rather than a threshold: sequence numbers are unique, so
// exactly one delivery observes it and starts the timer without any locking.
type WarmupGate struct {
	rampUp int64
}

func NewWarmupGate(rampUp int64) *WarmupGate {
	return &WarmupGate{rampUp: rampUp}
}

func (g *WarmupGate) Classify(received int64) Phase {
	switch {
	case received < g.rampUp:
		return PreWarmup
	case received == g.rampUp:
		return WarmupBoundary
	default:
		return Measured
	}
}
