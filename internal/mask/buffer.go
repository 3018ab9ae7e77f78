package mask

import (
	"sync/atomic"
	"time"
)

// Buffer is the tearing-safe single-slot hand-off between the inference
// completion path (writer) and the render loop (reader).
//
// Architecture:
//   - Single slot holding *Mask (latest wins, nothing is queued)
//   - Write replaces the pointer wholesale; the previous mask stays valid
//     for any reader still holding it
//   - Read never blocks and never allocates
//
// Thread-safety: all methods safe for concurrent use.
type Buffer struct {
	current atomic.Pointer[Mask]
	initial *Mask

	writes      atomic.Uint64
	lastWriteAt atomic.Int64 // unix nanos, 0 = never written
}

// Stats is a snapshot of buffer activity.
type Stats struct {
	// Writes counts accepted writes (rejected writes are not counted).
	Writes uint64

	// LastWriteAt is zero if the buffer still holds the default mask.
	LastWriteAt time.Time
}

// NewBuffer creates a buffer holding initial. A nil initial uses
// Default(DefaultWidth, DefaultHeight).
func NewBuffer(initial *Mask) *Buffer {
	if initial == nil {
		initial = Default(DefaultWidth, DefaultHeight)
	}
	b := &Buffer{initial: initial}
	b.current.Store(initial)
	return b
}

// Write publishes m as the current mask.
//
// Returns ErrShape (and leaves the buffer untouched) if m violates the
// dimension invariant. m MUST NOT be modified after a successful Write.
func (b *Buffer) Write(m *Mask) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.current.Store(m)
	b.writes.Add(1)
	b.lastWriteAt.Store(time.Now().UnixNano())
	return nil
}

// Read returns the current snapshot. It stays valid (and unchanged) after
// later writes; callers must treat it as read-only.
func (b *Buffer) Read() *Mask {
	return b.current.Load()
}

// IsDefault reports whether no result has been written yet.
func (b *Buffer) IsDefault() bool {
	return b.current.Load() == b.initial
}

// Stats returns write counters.
func (b *Buffer) Stats() Stats {
	var last time.Time
	if ns := b.lastWriteAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Writes:      b.writes.Load(),
		LastWriteAt: last,
	}
}
