// Package supervisor owns the inference worker lifecycle: bounded-time
// initialization, the state machine, the degrade path on failure, and
// routing of results into the mask buffer.
//
// Philosophy: "The render loop never waits for AI. Without a worker the
// pipeline keeps running on the default mask."
//
// State machine:
//
//	Uninitialized ──Start──▶ Initializing ──INIT_DONE──▶ Ready
//	                              │                        │
//	                    timeout / error            runtime error / exit
//	                              ▼                        ▼
//	                            Failed ◀───────────────────┘
//
//	any state ──Close──▶ Disposed
//
// There is no way back from Failed: a session that lost its worker stays in
// manual visual mode.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/events"
	"github.com/e7canasta/maskflow/internal/mask"
	"github.com/e7canasta/maskflow/internal/protocol"
	"github.com/e7canasta/maskflow/internal/worker"
)

// DefaultInitTimeout bounds worker initialization.
const DefaultInitTimeout = 60 * time.Second

var (
	// ErrNotReady is returned by Process unless the worker is Ready.
	ErrNotReady = errors.New("supervisor: worker not ready")

	// ErrInitTimeout is returned by Start when initialization loses the race.
	ErrInitTimeout = errors.New("supervisor: worker initialization timed out")
)

// Config configures a Supervisor.
type Config struct {
	WorkerID    string
	InitTimeout time.Duration
}

// Supervisor drives one worker through its lifecycle.
//
// Thread-safety: Start, Process, Status and Close are safe for concurrent
// use. Process admits one call at a time (ErrBusy otherwise).
type Supervisor struct {
	id          string
	worker      worker.Worker
	buffer      *mask.Buffer
	bus         *events.Bus
	initTimeout time.Duration

	mu     sync.Mutex
	status Status

	processing atomic.Bool
	seq        atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wraps w. Results go to buf; state changes are published on bus
// (nil disables publishing).
func New(w worker.Worker, buf *mask.Buffer, bus *events.Bus, cfg Config) *Supervisor {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	return &Supervisor{
		id:          cfg.WorkerID,
		worker:      w,
		buffer:      buf,
		bus:         bus,
		initTimeout: cfg.InitTimeout,
		status:      Status{State: Uninitialized, Since: time.Now()},
		stop:        make(chan struct{}),
	}
}

// Start initializes the worker, racing it against the init timeout.
//
// A watcher moves the state to Failed if the worker dies on its own and
// disposes it. On timeout the state is Failed("timeout"), the worker
// is disposed in the background and any late completion is discarded.
func (s *Supervisor) Start(ctx context.Context, cfg protocol.InitConfig) error {
	// Registered under the state lock so Close never waits on a zero
	// counter while these are being added.
	if !s.enter(Initializing, "", func() { s.wg.Add(2) }) {
		return fmt.Errorf("supervisor: cannot start from state %s", s.Status().State)
	}
	go s.forwardLogs()
	go s.watch()

	initCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- s.worker.Initialize(initCtx, cfg)
	}()

	timer := time.NewTimer(s.initTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			s.fail(err.Error())
			go s.disposeWorker()
			return fmt.Errorf("supervisor: init failed: %w", err)
		}
		if !s.transition(Ready, "") {
			// Closed while initializing.
			return ErrNotReady
		}
		s.publish(events.Event{Kind: events.KindAIReady, Message: "AI ready."})
		return nil

	case <-timer.C:
		s.fail("timeout")
		go s.disposeWorker()
		return ErrInitTimeout

	case <-ctx.Done():
		s.fail(ctx.Err().Error())
		go s.disposeWorker()
		return ctx.Err()
	}
}

// Process sends frame to the worker and stores the resulting mask.
//
// The mask is written only while the state is still Ready, so nothing
// reaches the buffer after a failure. A dropped frame returns an error
// wrapping worker.ErrFrameDropped and leaves the state alone.
func (s *Supervisor) Process(ctx context.Context, frame capture.Frame) error {
	if !s.Ready() {
		return ErrNotReady
	}
	if !s.processing.CompareAndSwap(false, true) {
		return worker.ErrBusy
	}
	defer s.processing.Store(false)

	seq := s.seq.Add(1)
	m, err := s.worker.Submit(ctx, worker.Request{Seq: seq, Frame: frame})
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrFrameDropped):
			slog.Debug("frame dropped by worker",
				"worker_id", s.id,
				"seq", seq,
				"trace_id", frame.TraceID,
				"error", err,
			)
			s.publish(events.Event{Kind: events.KindLog, Message: err.Error()})
		case errors.Is(err, worker.ErrBusy),
			errors.Is(err, worker.ErrDisposed),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
		default:
			if s.fail(err.Error()) {
				go s.disposeWorker()
			}
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.State != Ready {
		slog.Debug("discarding result after state change",
			"worker_id", s.id,
			"seq", seq,
			"state", s.status.State,
		)
		return ErrNotReady
	}
	if err := s.buffer.Write(m); err != nil {
		slog.Warn("worker returned malformed mask",
			"worker_id", s.id,
			"seq", seq,
			"error", err,
		)
		return err
	}
	return nil
}

// Status returns the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ready reports whether frames are being accepted.
func (s *Supervisor) Ready() bool {
	return s.Status().State == Ready
}

// Close disposes the worker and moves to Disposed. Idempotent.
func (s *Supervisor) Close() error {
	s.transition(Disposed, "")
	s.stopOnce.Do(func() { close(s.stop) })

	err := s.worker.Close()
	s.wg.Wait()
	return err
}

// watch moves to Failed when the worker dies on its own, then disposes it
// so a child process does not linger until Close.
func (s *Supervisor) watch() {
	defer s.wg.Done()

	select {
	case <-s.worker.Done():
		reason := "worker exited"
		if err := s.worker.Err(); err != nil {
			reason = err.Error()
		}
		if s.fail(reason) {
			go s.disposeWorker()
		}
	case <-s.stop:
	}
}

// forwardLogs republishes worker LOG lines until the worker's log stream ends.
func (s *Supervisor) forwardLogs() {
	defer s.wg.Done()

	for line := range s.worker.Logs() {
		slog.Info("worker", "worker_id", s.id, "log", line)
		s.publish(events.Event{Kind: events.KindLog, Message: line})
	}
}

// fail moves to Failed and announces manual visual mode. Reports false if
// the state did not allow it (already Failed or Disposed).
func (s *Supervisor) fail(reason string) bool {
	if !s.transition(Failed, reason) {
		return false
	}
	msg := fmt.Sprintf("AI Failed: %s. App running in manual visual mode.", reason)
	slog.Error("worker unavailable", "worker_id", s.id, "reason", reason)
	s.publish(events.Event{Kind: events.KindAIUnavailable, Message: msg, Reason: reason})
	return true
}

func (s *Supervisor) transition(to State, reason string) bool {
	return s.enter(to, reason, nil)
}

// enter is transition with onEnter run under the state lock once the move
// is accepted.
func (s *Supervisor) enter(to State, reason string, onEnter func()) bool {
	s.mu.Lock()
	from := s.status.State
	if !canTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.status = Status{State: to, Reason: reason, Since: time.Now()}
	if onEnter != nil {
		onEnter()
	}
	s.mu.Unlock()

	slog.Info("worker state changed",
		"worker_id", s.id,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
	s.publish(events.Event{
		Kind:    events.KindState,
		Message: "Worker " + to.String(),
		State:   to.String(),
		Reason:  reason,
	})
	return true
}

func (s *Supervisor) disposeWorker() {
	if err := s.worker.Close(); err != nil {
		slog.Warn("failed to dispose worker", "worker_id", s.id, "error", err)
	}
}

func (s *Supervisor) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
