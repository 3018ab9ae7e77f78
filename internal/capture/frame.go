// Package capture provides live video sources. A source keeps only the
// latest decoded frame (mailbox overwrite); consumers sample it with
// Snapshot whenever they are ready, so a slow consumer never builds a
// backlog.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Frame represents a single video frame with metadata.
// Immutable once published: Data is shared by every Snapshot caller.
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB24 pixels, stride = Width*3
	Data []byte
	// TraceID is a unique identifier for following one frame through the logs
	TraceID string
}

// packRGB24 copies an RGB buffer into a new packed Frame payload.
// GStreamer pads each RGB row to a multiple of 4 bytes, so widths where
// width*3 is not 4-aligned arrive with a wider stride than Frame allows.
func packRGB24(data []byte, width, height int) ([]byte, error) {
	row := width * 3
	stride := (row + 3) &^ 3
	packed := make([]byte, row*height)

	switch {
	case len(data) == row*height, stride == row && len(data) > row*height:
		copy(packed, data)
	case len(data) >= stride*(height-1)+row:
		for y := 0; y < height; y++ {
			copy(packed[y*row:(y+1)*row], data[y*stride:y*stride+row])
		}
	default:
		return nil, fmt.Errorf("capture: %d byte buffer too small for %dx%d RGB", len(data), width, height)
	}
	return packed, nil
}

// ReadyState mirrors how much media a source has available.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

func (r ReadyState) String() string {
	switch r {
	case HaveNothing:
		return "have_nothing"
	case HaveMetadata:
		return "have_metadata"
	case HaveCurrentData:
		return "have_current_data"
	case HaveFutureData:
		return "have_future_data"
	case HaveEnoughData:
		return "have_enough_data"
	default:
		return "unknown"
	}
}

// Stats contains current source statistics.
type Stats struct {
	FrameCount  uint64
	FPSTarget   float64
	FPSReal     float64
	Resolution  string
	LastFrameAt time.Time
	IsRunning   bool
}

// Source is a live video source.
type Source interface {
	// Start begins capturing. It returns once the source is set up; frames
	// arrive asynchronously (see WaitReady).
	Start(ctx context.Context) error

	// ReadyState reports how much media is available right now.
	ReadyState() ReadyState

	// Snapshot returns the latest frame, or false before the first one.
	Snapshot() (Frame, bool)

	// Err returns the fatal capture error, if any (a *Error).
	Err() error

	Stop() error
	Stats() Stats
}

// WaitReady blocks until src has a current frame, reports a fatal error, or
// timeout elapses. Errors are returned classified (*Error).
// A source that produces nothing within timeout is reported as not found.
func WaitReady(ctx context.Context, src Source, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if err := src.Err(); err != nil {
			return Classify(err)
		}
		if src.ReadyState() >= HaveCurrentData {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return &Error{Kind: KindDeviceNotFound, Cause: fmt.Errorf("no frame within %s", timeout)}
		case <-ticker.C:
		}
	}
}

// mailbox holds the latest frame. Put overwrites; Get never blocks.
type mailbox struct {
	mu     sync.RWMutex
	frame  Frame
	has    bool
	count  uint64
	lastAt time.Time
}

func (m *mailbox) put(f Frame) {
	m.mu.Lock()
	m.frame = f
	m.has = true
	m.count++
	m.lastAt = time.Now()
	m.mu.Unlock()
}

func (m *mailbox) get() (Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frame, m.has
}

func (m *mailbox) stats() (count uint64, lastAt time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count, m.lastAt
}

func (m *mailbox) reset() {
	m.mu.Lock()
	m.frame = Frame{}
	m.has = false
	m.mu.Unlock()
}
