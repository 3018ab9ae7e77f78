package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/events"
	"github.com/e7canasta/maskflow/internal/mask"
	"github.com/e7canasta/maskflow/internal/protocol"
	"github.com/e7canasta/maskflow/internal/worker"
)

// fakeWorker scripts Initialize and Submit.
type fakeWorker struct {
	initFn   func(ctx context.Context) error
	submitFn func(ctx context.Context, req worker.Request) (*mask.Mask, error)

	logs     chan string
	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
	closed   atomic.Bool
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		initFn: func(context.Context) error { return nil },
		submitFn: func(_ context.Context, req worker.Request) (*mask.Mask, error) {
			return &mask.Mask{Data: []float32{0.5}, Width: 1, Height: 1, Seq: req.Seq}, nil
		},
		logs: make(chan string, 8),
		done: make(chan struct{}),
	}
}

func (f *fakeWorker) Initialize(ctx context.Context, _ protocol.InitConfig) error {
	return f.initFn(ctx)
}

func (f *fakeWorker) Submit(ctx context.Context, req worker.Request) (*mask.Mask, error) {
	return f.submitFn(ctx, req)
}

func (f *fakeWorker) Logs() <-chan string  { return f.logs }
func (f *fakeWorker) Done() <-chan struct{} { return f.done }

func (f *fakeWorker) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

// die simulates the worker exiting on its own.
func (f *fakeWorker) die(err error) {
	f.doneOnce.Do(func() {
		f.errMu.Lock()
		f.err = err
		f.errMu.Unlock()
		close(f.done)
		close(f.logs)
	})
}

func (f *fakeWorker) Close() error {
	f.closed.Store(true)
	f.die(worker.ErrDisposed)
	return nil
}

type harness struct {
	w      *fakeWorker
	buf    *mask.Buffer
	bus    *events.Bus
	events chan events.Event
	sup    *Supervisor
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		w:      newFakeWorker(),
		buf:    mask.NewBuffer(mask.Default(4, 4)),
		bus:    events.New(),
		events: make(chan events.Event, 256),
	}
	h.bus.Subscribe("test", h.events)
	h.sup = New(h.w, h.buf, h.bus, Config{WorkerID: "test", InitTimeout: timeout})
	t.Cleanup(func() {
		h.sup.Close()
		h.bus.Close()
	})
	return h
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func findEvent(ch chan events.Event, kind events.Kind) (events.Event, bool) {
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e, true
			}
		default:
			return events.Event{}, false
		}
	}
}

func frame() capture.Frame {
	return capture.Frame{Width: 2, Height: 2, Data: make([]byte, 12)}
}

func TestInitTimeoutFallsBackToDefaultMask(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.w.initFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	err := h.sup.Start(context.Background(), protocol.InitConfig{})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrInitTimeout) {
		t.Fatalf("Start error = %v, want ErrInitTimeout", err)
	}
	if elapsed > time.Second {
		t.Errorf("Start took %v, want about the 50ms timeout", elapsed)
	}

	st := h.sup.Status()
	if st.State != Failed || st.Reason != "timeout" {
		t.Errorf("status = %v(%q), want failed(timeout)", st.State, st.Reason)
	}
	if !h.buf.IsDefault() {
		t.Error("mask buffer left the default mask")
	}
	waitFor(t, "worker disposal", h.w.closed.Load)

	e, ok := findEvent(h.events, events.KindAIUnavailable)
	if !ok {
		t.Fatal("no ai_unavailable event")
	}
	if e.Message != "AI Failed: timeout. App running in manual visual mode." {
		t.Errorf("message = %q", e.Message)
	}
	t.Logf("✅ init timeout after %v, default mask retained", elapsed)
}

func TestLateInitCompletionIsDiscarded(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.w.initFn = func(context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	if err := h.sup.Start(context.Background(), protocol.InitConfig{}); !errors.Is(err, ErrInitTimeout) {
		t.Fatalf("Start error = %v, want ErrInitTimeout", err)
	}

	time.Sleep(200 * time.Millisecond)
	if st := h.sup.Status(); st.State != Failed {
		t.Errorf("late completion changed state to %v", st.State)
	}
	if err := h.sup.Process(context.Background(), frame()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Process after timeout = %v, want ErrNotReady", err)
	}
}

func TestInitErrorFails(t *testing.T) {
	h := newHarness(t, time.Second)
	h.w.initFn = func(context.Context) error {
		return errors.New("capability: asset fetch failed: 404")
	}

	err := h.sup.Start(context.Background(), protocol.InitConfig{})
	if err == nil {
		t.Fatal("Start succeeded, want init error")
	}

	st := h.sup.Status()
	if st.State != Failed || !strings.Contains(st.Reason, "asset fetch failed") {
		t.Errorf("status = %v(%q)", st.State, st.Reason)
	}
	if !h.buf.IsDefault() {
		t.Error("mask buffer left the default mask")
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	h := newHarness(t, time.Second)
	if err := h.sup.Start(context.Background(), protocol.InitConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.sup.Start(context.Background(), protocol.InitConfig{}); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestProcessWritesMask(t *testing.T) {
	h := newHarness(t, time.Second)

	if err := h.sup.Process(context.Background(), frame()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Process before Start = %v, want ErrNotReady", err)
	}

	if err := h.sup.Start(context.Background(), protocol.InitConfig{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, ok := findEvent(h.events, events.KindAIReady); !ok {
		t.Error("no ai_ready event")
	}

	if err := h.sup.Process(context.Background(), frame()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	m := h.buf.Read()
	if m.Seq != 1 || m.Data[0] != 0.5 {
		t.Errorf("buffer holds seq=%d data=%v", m.Seq, m.Data)
	}
}

func TestFrameDroppedKeepsReady(t *testing.T) {
	h := newHarness(t, time.Second)
	h.w.submitFn = func(context.Context, worker.Request) (*mask.Mask, error) {
		return nil, fmt.Errorf("%w: bad frame", worker.ErrFrameDropped)
	}
	h.sup.Start(context.Background(), protocol.InitConfig{})

	err := h.sup.Process(context.Background(), frame())
	if !errors.Is(err, worker.ErrFrameDropped) {
		t.Fatalf("Process error = %v, want ErrFrameDropped", err)
	}
	if !h.sup.Ready() {
		t.Errorf("state = %v after a dropped frame, want ready", h.sup.Status().State)
	}
}

func TestRuntimeErrorAfterResultsKeepsLastMask(t *testing.T) {
	h := newHarness(t, time.Second)

	var n int
	h.w.submitFn = func(_ context.Context, req worker.Request) (*mask.Mask, error) {
		n++
		if n > 50 {
			err := fmt.Errorf("%w: OOM", worker.ErrWorkerExited)
			h.w.die(err)
			return nil, err
		}
		return &mask.Mask{Data: []float32{float32(n) / 100}, Width: 1, Height: 1, Seq: req.Seq}, nil
	}
	h.sup.Start(context.Background(), protocol.InitConfig{})

	for i := 0; i < 50; i++ {
		if err := h.sup.Process(context.Background(), frame()); err != nil {
			t.Fatalf("Process %d failed: %v", i, err)
		}
	}
	if err := h.sup.Process(context.Background(), frame()); !errors.Is(err, worker.ErrWorkerExited) {
		t.Fatalf("Process 51 error = %v, want ErrWorkerExited", err)
	}

	st := h.sup.Status()
	if st.State != Failed || !strings.Contains(st.Reason, "OOM") {
		t.Errorf("status = %v(%q), want failed with OOM", st.State, st.Reason)
	}
	if m := h.buf.Read(); m.Seq != 50 {
		t.Errorf("buffer holds seq %d, want the 50th result", m.Seq)
	}
	if err := h.sup.Process(context.Background(), frame()); !errors.Is(err, ErrNotReady) {
		t.Errorf("Process after failure = %v, want ErrNotReady", err)
	}
	t.Logf("✅ 50 results then OOM: failed, last mask retained")
}

func TestCrashAfterReadyIsNoticed(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sup.Start(context.Background(), protocol.InitConfig{})

	h.w.die(fmt.Errorf("%w: stream closed", worker.ErrWorkerExited))

	waitFor(t, "failed state", func() bool { return h.sup.Status().State == Failed })
	if !strings.Contains(h.sup.Status().Reason, "stream closed") {
		t.Errorf("reason = %q", h.sup.Status().Reason)
	}
}

func TestRuntimeFailureDisposesWorker(t *testing.T) {
	t.Run("worker exits", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.sup.Start(context.Background(), protocol.InitConfig{})

		h.w.die(fmt.Errorf("%w: stream closed", worker.ErrWorkerExited))
		waitFor(t, "worker disposed", h.w.closed.Load)
	})

	t.Run("submit fails", func(t *testing.T) {
		h := newHarness(t, time.Second)
		h.w.submitFn = func(context.Context, worker.Request) (*mask.Mask, error) {
			return nil, fmt.Errorf("%w: OOM", worker.ErrWorkerExited)
		}
		h.sup.Start(context.Background(), protocol.InitConfig{})

		h.sup.Process(context.Background(), frame())
		if st := h.sup.Status(); st.State != Failed {
			t.Fatalf("state = %v, want failed", st.State)
		}
		waitFor(t, "worker disposed", h.w.closed.Load)
	})
	t.Logf("✅ failed workers are disposed without waiting for Close")
}

func TestCloseRacesStart(t *testing.T) {
	for i := 0; i < 100; i++ {
		w := newFakeWorker()
		w.initFn = func(ctx context.Context) error {
			select {
			case <-w.done:
				return worker.ErrDisposed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		sup := New(w, mask.NewBuffer(mask.Default(1, 1)), nil, Config{WorkerID: "race", InitTimeout: time.Second})

		started := make(chan struct{})
		go func() {
			defer close(started)
			sup.Start(context.Background(), protocol.InitConfig{})
		}()
		if err := sup.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		<-started

		if st := sup.Status(); st.State != Disposed {
			t.Fatalf("iteration %d: state = %v, want disposed", i, st.State)
		}
	}
}

func TestNoWriteAfterFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.w.submitFn = func(_ context.Context, req worker.Request) (*mask.Mask, error) {
		close(entered)
		<-release
		return &mask.Mask{Data: []float32{0}, Width: 1, Height: 1, Seq: req.Seq}, nil
	}
	h.sup.Start(context.Background(), protocol.InitConfig{})

	result := make(chan error, 1)
	go func() { result <- h.sup.Process(context.Background(), frame()) }()
	<-entered

	h.w.die(errors.New("crashed"))
	waitFor(t, "failed state", func() bool { return h.sup.Status().State == Failed })

	close(release)
	if err := <-result; !errors.Is(err, ErrNotReady) {
		t.Errorf("Process error = %v, want ErrNotReady", err)
	}
	if !h.buf.IsDefault() {
		t.Error("a result was written after the worker failed")
	}
}

func TestConcurrentProcessIsRejected(t *testing.T) {
	h := newHarness(t, time.Second)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.w.submitFn = func(_ context.Context, req worker.Request) (*mask.Mask, error) {
		close(entered)
		<-release
		return &mask.Mask{Data: []float32{1}, Width: 1, Height: 1, Seq: req.Seq}, nil
	}
	h.sup.Start(context.Background(), protocol.InitConfig{})

	done := make(chan struct{})
	go func() {
		h.sup.Process(context.Background(), frame())
		close(done)
	}()
	<-entered

	if err := h.sup.Process(context.Background(), frame()); !errors.Is(err, worker.ErrBusy) {
		t.Errorf("concurrent Process = %v, want ErrBusy", err)
	}
	close(release)
	<-done
}

func TestCloseDisposes(t *testing.T) {
	h := newHarness(t, time.Second)
	h.sup.Start(context.Background(), protocol.InitConfig{})

	if err := h.sup.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if st := h.sup.Status(); st.State != Disposed {
		t.Errorf("state = %v, want disposed", st.State)
	}
	if !h.w.closed.Load() {
		t.Error("worker not closed")
	}
	// Worker exit caused by Close is not a failure.
	if _, ok := findEvent(h.events, events.KindAIUnavailable); ok {
		t.Error("Close published ai_unavailable")
	}
	if err := h.sup.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Uninitialized, Initializing, true},
		{Initializing, Ready, true},
		{Initializing, Failed, true},
		{Ready, Failed, true},
		{Failed, Ready, false},
		{Ready, Initializing, false},
		{Uninitialized, Ready, false},
		{Failed, Disposed, true},
		{Ready, Disposed, true},
		{Disposed, Disposed, false},
		{Disposed, Ready, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%v -> %v = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
