// Package events distributes pipeline status and log events to any number
// of subscribers without ever blocking the publisher.
//
// # Core Philosophy
//
// "Drop events, never queue. The pipeline outranks its observers."
//
// Two subscription policies:
//
//	Subscribe(id, ch)    DropNew: buffered channel, events dropped when full
//	SubscribeLatest(id)  DropOld: only the newest event is kept
//
// # Thread Safety
//
// All methods are safe for concurrent use. Publish after Close is a no-op.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed          = errors.New("events: bus is closed")
	ErrSubscriberExists   = errors.New("events: subscriber already exists")
	ErrSubscriberNotFound = errors.New("events: subscriber not found")
	ErrNilChannel         = errors.New("events: nil channel provided")
)

// Kind identifies what an event is about.
type Kind string

const (
	// KindState is a worker state transition.
	KindState Kind = "state"
	// KindLog is an advisory log line (worker LOG, per-frame drops).
	KindLog Kind = "log"
	// KindCapture is a capture failure.
	KindCapture Kind = "capture"
	// KindAIReady means inference is running.
	KindAIReady Kind = "ai_ready"
	// KindAIUnavailable means the pipeline fell back to the default mask.
	KindAIUnavailable Kind = "ai_unavailable"
)

// Event is one status or log message.
type Event struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	State   string    `json:"state,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// DropPolicy defines how the bus handles events a subscriber cannot keep up with.
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

// SubscriberStats tracks delivery for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the whole bus.
type Stats struct {
	TotalPublished uint64
	Subscribers    map[string]SubscriberStats
}

type subscriber struct {
	policy  DropPolicy
	ch      chan<- Event
	latest  *Latest
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus is the event fan-out.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	closed         bool
	totalPublished atomic.Uint64
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch with the DropNew policy. The bus never closes ch.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a DropOld receiver that only keeps the newest event.
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	l := newLatest()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: l}
	return l, nil
}

func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Publish delivers e to every subscriber without blocking. A zero Time is
// set to now.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.totalPublished.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- e:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.latest.set(e) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		TotalPublished: b.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s.Subscribers[id] = SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}
	}
	return s
}

// Close stops delivery and wakes every Latest receiver. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	return nil
}

// Latest holds the newest undelivered event for a DropOld subscriber.
type Latest struct {
	mu      sync.Mutex
	cond    *sync.Cond
	event   Event
	pending bool
	closed  bool
}

func newLatest() *Latest {
	l := &Latest{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// set stores e, reporting whether an unread event was overwritten.
func (l *Latest) set(e Event) (overwrote bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	overwrote = l.pending
	l.event = e
	l.pending = true
	l.cond.Broadcast()
	return overwrote
}

// Receive blocks until an unread event is available. An event published
// before Close is still delivered; after that it returns false.
func (l *Latest) Receive() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.pending && !l.closed {
		l.cond.Wait()
	}
	if !l.pending {
		return Event{}, false
	}
	l.pending = false
	return l.event, true
}

// TryReceive returns the unread event, if any, without blocking.
func (l *Latest) TryReceive() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pending {
		return Event{}, false
	}
	l.pending = false
	return l.event, true
}

func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	l.cond.Broadcast()
}
