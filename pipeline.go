package maskflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/maskflow/internal/capability"
	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/config"
	"github.com/e7canasta/maskflow/internal/events"
	"github.com/e7canasta/maskflow/internal/mask"
	"github.com/e7canasta/maskflow/internal/protocol"
	"github.com/e7canasta/maskflow/internal/pump"
	"github.com/e7canasta/maskflow/internal/supervisor"
	"github.com/e7canasta/maskflow/internal/worker"
)

// Renderer consumes one frame and the current mask per render tick.
// hasFrame is false until capture has produced a frame.
type Renderer interface {
	Render(frame capture.Frame, hasFrame bool, m *mask.Mask) error
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithSource replaces the configured capture source.
func WithSource(src capture.Source) Option {
	return func(p *Pipeline) { p.source = src }
}

// WithWorker replaces the configured worker.
func WithWorker(w worker.Worker) Option {
	return func(p *Pipeline) { p.worker = w }
}

// WithLoader sets the capability loader of a local worker.
func WithLoader(l capability.Loader) Option {
	return func(p *Pipeline) { p.loader = l }
}

// Stats is a snapshot of every stage.
type Stats struct {
	SessionID string
	Uptime    time.Duration
	Capture   capture.Stats
	Pump      pump.Stats
	Mask      mask.Stats
	Worker    supervisor.Status
	Events    events.Stats
}

// Pipeline is the PipelineController: it owns the capture source, the
// worker supervisor, the frame pump and the mask buffer.
//
// Lifecycle: New → Start → Tick/Run → Stop.
type Pipeline struct {
	cfg       *config.Config
	sessionID string
	startedAt time.Time

	source     capture.Source
	worker     worker.Worker
	loader     capability.Loader
	buffer     *mask.Buffer
	bus        *events.Bus
	supervisor *supervisor.Supervisor
	pump       *pump.Pump

	initCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	stopErr error
}

// New builds a stopped pipeline. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	p := &Pipeline{
		cfg:       cfg,
		sessionID: uuid.New().String(),
		bus:       events.New(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.buffer = mask.NewBuffer(mask.Default(cfg.Renderer.MaskWidth, cfg.Renderer.MaskHeight))

	if p.source == nil {
		src, err := newSource(cfg.Capture)
		if err != nil {
			return nil, err
		}
		p.source = src
	}

	workerID := "cv-" + p.sessionID[:8]
	if p.worker == nil {
		w, err := newWorker(workerID, cfg.ComputerVision.Worker, p.loader)
		if err != nil {
			return nil, err
		}
		p.worker = w
	}

	p.supervisor = supervisor.New(p.worker, p.buffer, p.bus, supervisor.Config{
		WorkerID:    workerID,
		InitTimeout: cfg.ComputerVision.InitTimeout,
	})
	p.pump = pump.New(p.source, p.supervisor)

	return p, nil
}

func newSource(cfg config.CaptureConfig) (capture.Source, error) {
	switch cfg.Source {
	case config.SourceGStreamer:
		return capture.NewGStreamer(capture.GStreamerConfig{
			Device: cfg.Device,
			URL:    cfg.URL,
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.FPS,
		})
	case config.SourceSynthetic, "":
		return capture.NewSynthetic(capture.SyntheticConfig{
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.FPS,
		})
	default:
		return nil, fmt.Errorf("maskflow: unknown capture source %q", cfg.Source)
	}
}

func newWorker(id string, cfg config.WorkerConfig, loader capability.Loader) (worker.Worker, error) {
	if cfg.Mode != config.WorkerModeProcess {
		return worker.NewLocal(id, loader), nil
	}

	command, args := cfg.Command, cfg.Args
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("maskflow: failed to locate executable: %w", err)
		}
		command = exe
		if len(args) == 0 {
			args = []string{"worker"}
		}
	}
	return worker.NewProcess(worker.ProcessConfig{
		WorkerID: id,
		Command:  command,
		Args:     args,
	})
}

// Start starts capture and waits until the first frame is available,
// bounded by capture.ready_timeout. A capture failure is returned as a
// *capture.Error and published on the status stream.
//
// Worker initialization is then launched in the background: Start does not
// wait for it. Watch the status stream (or WorkerState) for the outcome.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("maskflow: pipeline already started")
	}
	p.started = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	slog.Info("starting pipeline",
		"session_id", p.sessionID,
		"capture", p.cfg.Capture.Source,
		"worker_mode", p.cfg.ComputerVision.Worker.Mode,
	)

	if err := p.startCapture(ctx); err != nil {
		var capErr *capture.Error
		if errors.As(err, &capErr) {
			slog.Error("capture failed", "kind", capErr.Kind.String(), "error", capErr.Cause)
			p.bus.Publish(events.Event{Kind: events.KindCapture, Message: capErr.Error()})
		}
		return err
	}

	initCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.initCancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.supervisor.Start(initCtx, p.initConfig()); err != nil {
			slog.Warn("inference unavailable, continuing without masks",
				"session_id", p.sessionID,
				"error", err,
			)
		}
	}()

	return nil
}

func (p *Pipeline) startCapture(ctx context.Context) error {
	if err := p.source.Start(ctx); err != nil {
		return capture.Classify(err)
	}
	if err := capture.WaitReady(ctx, p.source, p.cfg.Capture.ReadyTimeout); err != nil {
		if stopErr := p.source.Stop(); stopErr != nil {
			slog.Warn("failed to stop capture", "error", stopErr)
		}
		return err
	}
	return nil
}

func (p *Pipeline) initConfig() protocol.InitConfig {
	cv := p.cfg.ComputerVision
	return protocol.InitConfig{
		ModelAssetPath:        cv.ModelAssetPath,
		OutputConfidenceMasks: cv.OutputConfidenceMasks,
		OutputCategoryMask:    cv.OutputCategoryMask,
		Delegate:              cv.Delegate,
		InputWidth:            cv.InputWidth,
		InputHeight:           cv.InputHeight,
	}
}

// Tick drives the frame pump once. Call it from the render loop.
// It reports whether a frame was submitted for inference.
func (p *Pipeline) Tick(ctx context.Context) bool {
	return p.pump.Tick(ctx)
}

// CurrentMask returns the latest mask (the default mask until the first
// result). Never nil.
func (p *Pipeline) CurrentMask() *mask.Mask {
	return p.buffer.Read()
}

// CurrentFrame returns the latest captured frame.
func (p *Pipeline) CurrentFrame() (capture.Frame, bool) {
	return p.source.Snapshot()
}

// Subscribe delivers every status event to ch, dropping events when ch is
// full.
func (p *Pipeline) Subscribe(id string, ch chan<- events.Event) error {
	return p.bus.Subscribe(id, ch)
}

// SubscribeLatest returns a receiver that only ever holds the newest event.
func (p *Pipeline) SubscribeLatest(id string) (*events.Latest, error) {
	return p.bus.SubscribeLatest(id)
}

// Unsubscribe removes a subscriber added by Subscribe or SubscribeLatest.
func (p *Pipeline) Unsubscribe(id string) error {
	return p.bus.Unsubscribe(id)
}

// WorkerState returns the supervisor's current status.
func (p *Pipeline) WorkerState() supervisor.Status {
	return p.supervisor.Status()
}

// SessionID identifies this pipeline instance in logs and status messages.
func (p *Pipeline) SessionID() string {
	return p.sessionID
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	startedAt := p.startedAt
	p.mu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}
	return Stats{
		SessionID: p.sessionID,
		Uptime:    uptime,
		Capture:   p.source.Stats(),
		Pump:      p.pump.Stats(),
		Mask:      p.buffer.Stats(),
		Worker:    p.supervisor.Status(),
		Events:    p.bus.Stats(),
	}
}

// Run drives the render clock at renderer.fps until ctx is cancelled. Each
// tick pumps one frame and hands the latest frame and mask to r (nil r
// only pumps). Render errors are logged, never fatal.
func (p *Pipeline) Run(ctx context.Context, r Renderer) error {
	interval := time.Duration(float64(time.Second) / p.cfg.Renderer.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("render loop started", "fps", p.cfg.Renderer.FPS, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("render loop stopped", "session_id", p.sessionID)
			return nil
		case <-ticker.C:
			p.Tick(ctx)
			if r == nil {
				continue
			}
			frame, ok := p.CurrentFrame()
			if err := r.Render(frame, ok, p.CurrentMask()); err != nil {
				slog.Warn("render failed", "seq", frame.Seq, "error", err)
			}
		}
	}
}

// Stop disposes the worker, waits for the in-flight request, stops capture
// and closes the status stream. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return p.stopErr
	}
	p.stopped = true
	initCancel := p.initCancel
	p.mu.Unlock()

	slog.Info("stopping pipeline", "session_id", p.sessionID)

	// Dispose first so a pending init resolves as Disposed, not as a failure.
	err := p.supervisor.Close()
	if initCancel != nil {
		initCancel()
	}
	p.wg.Wait()
	p.pump.Wait()

	if stopErr := p.source.Stop(); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	if closeErr := p.bus.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	p.mu.Lock()
	p.stopErr = err
	p.mu.Unlock()
	return err
}
