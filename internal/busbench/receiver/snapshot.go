package receiver

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/G-Research/busbench/internal/busbench/message"
)

// DataPoint is an immutable record of the run at the moment a snapshot was taken.
type DataPoint struct {
	Received int64         `json:"received"`
	Failures int64         `json:"failures"`
	Elapsed  time.Duration `json:"elapsedNanos"`
	// Bytes delivered since the previous data point.
	Size int64 `json:"size"`
	// The message that triggered the snapshot. Shared with the transport, never modified.
	SampleMessage *message.Message `json:"-"`
}

func (p *DataPoint) String() string {
	return fmt.Sprintf("DP={Rec:%d,Fail:%d,Elapsed:%s,Size:%d}", p.Received, p.Failures, p.Elapsed, p.Size)
}

// SnapshotRecorder keeps an append-only log of data points, one for every measured message
// whose sequence number is a multiple of the interval.
type SnapshotRecorder struct {
	interval     int64
	pendingBytes atomic.Int64

	mu     sync.Mutex
	points []*DataPoint
}

func NewSnapshotRecorder(interval int64) *SnapshotRecorder {
	return &SnapshotRecorder{interval: interval}
}

// AddBytes accounts n bytes towards the next data point.
func (r *SnapshotRecorder) AddBytes(n int64) {
	if n > 0 {
		r.pendingBytes.Add(n)
	}
}

func (r *SnapshotRecorder) ShouldCapture(received int64) bool {
	return received%r.interval == 0
}

// Capture appends a data point. Two capturing goroutines can race to the lock, so the point
// is inserted at its ordered position; the log is always sorted by Received.
func (r *SnapshotRecorder) Capture(received, failures int64, elapsed time.Duration, msg *message.Message) *DataPoint {
	point := &DataPoint{
		Received:      received,
		Failures:      failures,
		Elapsed:       elapsed,
		Size:          r.pendingBytes.Swap(0),
		SampleMessage: msg,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].Received > received })
	r.points = append(r.points, nil)
	copy(r.points[i+1:], r.points[i:])
	r.points[i] = point
	return point
}

// Points returns a copy of the log.
func (r *SnapshotRecorder) Points() []*DataPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	points := make([]*DataPoint, len(r.points))
	copy(points, r.points)
	return points
}
