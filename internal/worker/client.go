package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/maskflow/internal/mask"
	"github.com/e7canasta/maskflow/internal/protocol"
)

// logBufferSize bounds undelivered LOG messages before new ones are dropped.
const logBufferSize = 64

// pending is the single request slot waiting for RESULT or DROPPED.
type pending struct {
	seq   uint64
	reply chan *protocol.Message
}

// client speaks the pipeline side of the protocol over any reader/writer
// pair. One reader goroutine demultiplexes replies and wakes the waiter.
//
// Thread-safety: all methods are safe for concurrent use. The in-flight
// slot is released by the reader when the reply arrives, not by Submit,
// so a cancelled Submit never lets a second PROCESS_FRAME overtake an
// unresolved one.
type client struct {
	id  string
	enc *protocol.Encoder
	dec *protocol.Decoder

	// shutdown tears down the transport (pipe or child process).
	shutdown func() error

	logs chan string

	mu        sync.Mutex
	initReply chan *protocol.Message
	slot      *pending

	initStarted atomic.Bool
	ready       atomic.Bool
	busy        atomic.Bool
	closed      atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error

	readerDone chan struct{}
}

func newClient(id string, r io.Reader, w io.Writer, shutdown func() error) *client {
	c := &client{
		id:         id,
		enc:        protocol.NewEncoder(w),
		dec:        protocol.NewDecoder(r),
		shutdown:   shutdown,
		logs:       make(chan string, logBufferSize),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *client) Initialize(ctx context.Context, cfg protocol.InitConfig) error {
	if c.closed.Load() {
		return ErrDisposed
	}
	if !c.initStarted.CompareAndSwap(false, true) {
		return fmt.Errorf("worker: initialize called twice")
	}

	reply := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.initReply = reply
	c.mu.Unlock()

	if err := c.send(ctx, protocol.Init(cfg)); err != nil {
		return err
	}

	select {
	case m := <-reply:
		if m.Type == protocol.TypeError {
			return fmt.Errorf("worker: init failed: %s", m.Message)
		}
		c.ready.Store(true)
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) Submit(ctx context.Context, req Request) (*mask.Mask, error) {
	if c.closed.Load() {
		return nil, ErrDisposed
	}
	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}
	if !c.ready.Load() {
		return nil, ErrNotInitialized
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	reply := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.slot = &pending{seq: req.Seq, reply: reply}
	c.mu.Unlock()

	frame := &protocol.Frame{
		Width:     req.Frame.Width,
		Height:    req.Frame.Height,
		Format:    protocol.FormatRGB24,
		Data:      req.Frame.Data,
		Timestamp: req.Frame.Timestamp,
	}
	written := c.write(protocol.ProcessFrame(req.Seq, frame))
	select {
	case err := <-written:
		if err != nil {
			c.release(req.Seq)
			return nil, c.writeErr(protocol.TypeProcessFrame, err)
		}
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		// The frame may still reach the worker: the slot stays taken until
		// the write fails or the reply arrives.
		go func() {
			if err := <-written; err != nil {
				c.release(req.Seq)
			}
		}()
		return nil, ctx.Err()
	}

	select {
	case m := <-reply:
		if m.Type == protocol.TypeDropped {
			return nil, fmt.Errorf("%w: %s", ErrFrameDropped, m.Message)
		}
		return &mask.Mask{Data: m.Mask, Width: m.Width, Height: m.Height, Seq: m.Seq}, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release frees the in-flight slot if it still belongs to seq.
func (c *client) release(seq uint64) {
	c.mu.Lock()
	if c.slot != nil && c.slot.seq == seq {
		c.slot = nil
		c.busy.Store(false)
	}
	c.mu.Unlock()
}

// send writes m, giving up when ctx is done or the worker dies. A write
// stuck on a hung worker is unblocked by Close tearing down the pipe.
func (c *client) send(ctx context.Context, m *protocol.Message) error {
	written := c.write(m)
	select {
	case err := <-written:
		return c.writeErr(m.Type, err)
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// write encodes m in the background and reports the outcome on the
// returned channel.
func (c *client) write(m *protocol.Message) <-chan error {
	written := make(chan error, 1)
	go func() {
		written <- c.enc.Encode(m)
	}()
	return written
}

func (c *client) writeErr(typ protocol.Type, err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() {
		return ErrDisposed
	}
	return fmt.Errorf("worker: send %s: %w", typ, err)
}

func (c *client) readLoop() {
	defer close(c.readerDone)
	defer close(c.logs)

	for {
		// Fresh message per decode: masks are handed to the buffer by reference.
		m := new(protocol.Message)
		if err := c.dec.Decode(m); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.fail(fmt.Errorf("%w: stream closed", ErrWorkerExited))
			} else {
				c.fail(fmt.Errorf("%w: %v", ErrWorkerExited, err))
			}
			return
		}
		c.dispatch(m)
	}
}

func (c *client) dispatch(m *protocol.Message) {
	switch m.Type {
	case protocol.TypeLog:
		slog.Debug("worker log", "worker_id", c.id, "message", m.Message)
		select {
		case c.logs <- m.Message:
		default:
		}

	case protocol.TypeInitDone:
		c.deliverInit(m)

	case protocol.TypeError:
		if !c.ready.Load() && c.deliverInit(m) {
			return
		}
		// Runtime failure: the worker is done.
		c.fail(fmt.Errorf("%w: %s", ErrWorkerExited, m.Message))

	case protocol.TypeResult, protocol.TypeDropped:
		c.mu.Lock()
		slot := c.slot
		if slot == nil || slot.seq != m.Seq {
			c.mu.Unlock()
			slog.Debug("discarding stale reply",
				"worker_id", c.id,
				"type", m.Type,
				"seq", m.Seq,
			)
			return
		}
		c.slot = nil
		c.busy.Store(false)
		c.mu.Unlock()
		slot.reply <- m

	default:
		slog.Warn("unknown message from worker", "worker_id", c.id, "type", m.Type)
	}
}

// deliverInit hands m to a waiting Initialize. Reports false when nobody waits.
func (c *client) deliverInit(m *protocol.Message) bool {
	c.mu.Lock()
	reply := c.initReply
	c.initReply = nil
	c.mu.Unlock()

	if reply == nil {
		slog.Warn("unexpected init reply", "worker_id", c.id, "type", m.Type)
		return false
	}
	reply <- m
	return true
}

// fail records the first cause of death and closes Done.
func (c *client) fail(err error) {
	c.doneOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *client) Logs() <-chan string { return c.logs }

func (c *client) Done() <-chan struct{} { return c.done }

func (c *client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.fail(ErrDisposed)

	var err error
	if c.shutdown != nil {
		err = c.shutdown()
	}
	<-c.readerDone
	return err
}
