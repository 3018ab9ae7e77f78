// Package pump samples the capture source on the render clock and feeds
// the inference worker, one request at a time.
//
// # Philosophy
//
// "Skip ticks, never queue. A stale frame is worth less than no frame."
//
// # Design
//
//  1. Tick() never blocks: it either launches one request or skips
//  2. Single outstanding request: an atomic in-flight flag, cleared on any resolution
//  3. Sampling, not buffering: each submission takes the source's latest frame
//  4. Operational stats: why ticks were skipped, how requests resolved
package pump

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/worker"
)

// Source is the part of capture.Source the pump samples.
type Source interface {
	ReadyState() capture.ReadyState
	Snapshot() (capture.Frame, bool)
}

// Processor is the part of the supervisor the pump drives.
type Processor interface {
	Ready() bool
	Process(ctx context.Context, frame capture.Frame) error
}

// Stats is an operational snapshot.
type Stats struct {
	Ticks     uint64
	Submitted uint64

	// Resolutions
	Completed uint64
	Dropped   uint64
	Failed    uint64

	// Skipped ticks by cause
	SkippedBusy     uint64
	SkippedNotReady uint64
	SkippedWorker   uint64

	// ConsecutiveDrops counts dropped frames since the last completed one.
	ConsecutiveDrops uint64
}

// Pump is the FramePump.
//
// Thread-safety: Tick may be called from any goroutine, but it is meant to
// be called from the render loop only.
type Pump struct {
	src  Source
	proc Processor

	inFlight atomic.Bool
	wg       sync.WaitGroup

	ticks            atomic.Uint64
	submitted        atomic.Uint64
	completed        atomic.Uint64
	dropped          atomic.Uint64
	failed           atomic.Uint64
	skippedBusy      atomic.Uint64
	skippedNotReady  atomic.Uint64
	skippedWorker    atomic.Uint64
	consecutiveDrops atomic.Uint64
}

func New(src Source, proc Processor) *Pump {
	return &Pump{src: src, proc: proc}
}

// Tick submits the latest frame if the source has one, nothing is in
// flight, and the worker is ready. It reports whether a request was
// launched. The request runs asynchronously under ctx.
func (p *Pump) Tick(ctx context.Context) bool {
	p.ticks.Add(1)

	if p.src.ReadyState() < capture.HaveCurrentData {
		p.skippedNotReady.Add(1)
		return false
	}
	if !p.proc.Ready() {
		p.skippedWorker.Add(1)
		return false
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		p.skippedBusy.Add(1)
		return false
	}

	frame, ok := p.src.Snapshot()
	if !ok {
		p.inFlight.Store(false)
		p.skippedNotReady.Add(1)
		return false
	}

	p.submitted.Add(1)
	p.wg.Add(1)
	go p.run(ctx, frame)
	return true
}

func (p *Pump) run(ctx context.Context, frame capture.Frame) {
	defer p.wg.Done()
	defer p.inFlight.Store(false)

	err := p.proc.Process(ctx, frame)
	switch {
	case err == nil:
		p.completed.Add(1)
		p.consecutiveDrops.Store(0)
	case errors.Is(err, worker.ErrFrameDropped):
		p.dropped.Add(1)
		p.consecutiveDrops.Add(1)
	default:
		p.failed.Add(1)
		slog.Debug("frame request failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
	}
}

// InFlight reports whether a request is outstanding.
func (p *Pump) InFlight() bool {
	return p.inFlight.Load()
}

// Wait blocks until the outstanding request, if any, resolves.
func (p *Pump) Wait() {
	p.wg.Wait()
}

func (p *Pump) Stats() Stats {
	return Stats{
		Ticks:            p.ticks.Load(),
		Submitted:        p.submitted.Load(),
		Completed:        p.completed.Load(),
		Dropped:          p.dropped.Load(),
		Failed:           p.failed.Load(),
		SkippedBusy:      p.skippedBusy.Load(),
		SkippedNotReady:  p.skippedNotReady.Load(),
		SkippedWorker:    p.skippedWorker.Load(),
		ConsecutiveDrops: p.consecutiveDrops.Load(),
	}
}
