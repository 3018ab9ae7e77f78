package pump

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/worker"
)

type stubSource struct {
	state capture.ReadyState
	seq   atomic.Uint64
}

func (s *stubSource) ReadyState() capture.ReadyState { return s.state }

func (s *stubSource) Snapshot() (capture.Frame, bool) {
	if s.state < capture.HaveCurrentData {
		return capture.Frame{}, false
	}
	return capture.Frame{Seq: s.seq.Add(1)}, true
}

// slowProcessor takes delay per frame and records peak concurrency.
type slowProcessor struct {
	ready   atomic.Bool
	delay   time.Duration
	result  func(n uint64) error
	calls   atomic.Uint64
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newSlowProcessor(delay time.Duration) *slowProcessor {
	p := &slowProcessor{delay: delay}
	p.ready.Store(true)
	return p
}

func (p *slowProcessor) Ready() bool { return p.ready.Load() }

func (p *slowProcessor) Process(ctx context.Context, _ capture.Frame) error {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.maxSeen.Load()
		if n <= peak || p.maxSeen.CompareAndSwap(peak, n) {
			break
		}
	}

	call := p.calls.Add(1)
	time.Sleep(p.delay)
	if p.result != nil {
		return p.result(call)
	}
	return nil
}

func TestSingleOutstandingRequest(t *testing.T) {
	src := &stubSource{state: capture.HaveEnoughData}
	proc := newSlowProcessor(5 * time.Millisecond)
	p := New(src, proc)

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		p.Tick(ctx)
		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	p.Wait()

	if peak := proc.maxSeen.Load(); peak != 1 {
		t.Fatalf("peak concurrent requests = %d, want 1", peak)
	}
	stats := p.Stats()
	if stats.Submitted+stats.SkippedBusy != 200 {
		t.Errorf("submitted(%d) + skipped busy(%d) != 200 ticks", stats.Submitted, stats.SkippedBusy)
	}
	if stats.Completed != stats.Submitted {
		t.Errorf("completed %d of %d submitted", stats.Completed, stats.Submitted)
	}
	t.Logf("✅ 200 ticks, %d submitted, peak concurrency 1", stats.Submitted)
}

func TestFastTicksAgainstSlowInferenceStayBounded(t *testing.T) {
	src := &stubSource{state: capture.HaveEnoughData}
	proc := newSlowProcessor(20 * time.Millisecond)
	p := New(src, proc)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 100; i++ {
		p.Tick(ctx)
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)
	p.Wait()

	stats := p.Stats()
	bound := uint64(elapsed/(20*time.Millisecond)) + 1
	if stats.Submitted == 0 || stats.Submitted > bound {
		t.Errorf("submitted %d in %v, want 1..%d", stats.Submitted, elapsed, bound)
	}
	if stats.SkippedBusy == 0 {
		t.Error("no tick was skipped as busy")
	}
	if p.InFlight() {
		t.Error("request still in flight after Wait")
	}
	t.Logf("✅ %d ticks over %v -> %d submissions (bound %d)", stats.Ticks, elapsed, stats.Submitted, bound)
}

func TestSkipsUntilSourceHasData(t *testing.T) {
	src := &stubSource{state: capture.HaveMetadata}
	proc := newSlowProcessor(0)
	p := New(src, proc)

	if p.Tick(context.Background()) {
		t.Fatal("Tick submitted without current data")
	}
	if s := p.Stats(); s.SkippedNotReady != 1 {
		t.Errorf("SkippedNotReady = %d, want 1", s.SkippedNotReady)
	}

	src.state = capture.HaveCurrentData
	if !p.Tick(context.Background()) {
		t.Fatal("Tick did not submit with current data")
	}
	p.Wait()
}

func TestSkipsWhileWorkerUnavailable(t *testing.T) {
	src := &stubSource{state: capture.HaveEnoughData}
	proc := newSlowProcessor(0)
	proc.ready.Store(false)
	p := New(src, proc)

	for i := 0; i < 5; i++ {
		p.Tick(context.Background())
	}
	if s := p.Stats(); s.SkippedWorker != 5 || s.Submitted != 0 {
		t.Errorf("stats = %+v, want 5 skipped for worker", s)
	}
	if proc.calls.Load() != 0 {
		t.Error("processor was called while not ready")
	}
}

func TestResolutionsFreeTheSlot(t *testing.T) {
	src := &stubSource{state: capture.HaveEnoughData}
	proc := newSlowProcessor(0)
	proc.result = func(n uint64) error {
		switch n {
		case 1, 2:
			return fmt.Errorf("%w: bad frame", worker.ErrFrameDropped)
		case 3:
			return errors.New("worker exited")
		default:
			return nil
		}
	}
	p := New(src, proc)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if !p.Tick(ctx) {
			t.Fatalf("tick %d skipped", i)
		}
		p.Wait()
	}
	if s := p.Stats(); s.Dropped != 2 || s.ConsecutiveDrops != 2 {
		t.Errorf("after drops: %+v", s)
	}

	p.Tick(ctx)
	p.Wait()
	p.Tick(ctx)
	p.Wait()

	s := p.Stats()
	if s.Failed != 1 || s.Completed != 1 {
		t.Errorf("after failure and success: %+v", s)
	}
	if s.ConsecutiveDrops != 0 {
		t.Errorf("ConsecutiveDrops = %d after a completed frame", s.ConsecutiveDrops)
	}
}
