package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// GStreamerConfig selects a webcam device or any URI GStreamer can decode
// (rtsp://, http://, file://). URL wins over Device.
type GStreamerConfig struct {
	Device string
	URL    string
	Width  int
	Height int
	FPS    float64
}

// GStreamer captures frames through a GStreamer pipeline ending in an
// RGB appsink:
//
//	v4l2src | uridecodebin → videoconvert → videoscale → videorate →
//	capsfilter(RGB,WxH,fps) → appsink(max-buffers=1, drop=true)
type GStreamer struct {
	cfg GStreamerConfig

	pipeline *gst.Pipeline
	box      mailbox
	seq      atomic.Uint64
	bytes    atomic.Uint64

	playing atomic.Bool
	errMu   sync.Mutex
	err     error

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
}

// NewGStreamer validates cfg (fail-fast) and returns a stopped source.
func NewGStreamer(cfg GStreamerConfig) (*GStreamer, error) {
	if cfg.URL == "" && cfg.Device == "" {
		return nil, fmt.Errorf("capture: device or url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS < 0.1 || cfg.FPS > 120 {
		return nil, fmt.Errorf("capture: invalid fps %.2f (must be 0.1-120)", cfg.FPS)
	}
	return &GStreamer{cfg: cfg}, nil
}

// launchString builds the gst-launch description of the capture pipeline.
func launchString(cfg GStreamerConfig) string {
	var src string
	switch {
	case cfg.URL != "":
		src = fmt.Sprintf("uridecodebin uri=%q", cfg.URL)
	default:
		src = fmt.Sprintf("v4l2src device=%q", cfg.Device)
	}

	return strings.Join([]string{
		src,
		"videoconvert",
		"videoscale",
		"videorate drop-only=true skip-to-first=true",
		buildFramerateCaps(cfg.Width, cfg.Height, cfg.FPS),
		"appsink name=sink sync=false max-buffers=1 drop=true",
	}, " ! ")
}

// buildFramerateCaps renders fractional rates below 1 fps as 1/N.
func buildFramerateCaps(width, height int, fps float64) string {
	numerator, denominator := 1, 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator)
}

// Start builds the pipeline and sets it PLAYING. Errors from here on are
// classified into *Error.
func (g *GStreamer) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		return fmt.Errorf("capture: gstreamer source already started")
	}

	gst.Init(nil)

	launch := launchString(g.cfg)
	slog.Info("gstreamer source starting", "pipeline", launch)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return Classify(fmt.Errorf("create pipeline: %w", err))
	}

	sinkElem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return fmt.Errorf("capture: appsink not found: %w", err)
	}
	sink := app.SinkFromElement(sinkElem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return Classify(fmt.Errorf("start pipeline: %w", err))
	}

	g.pipeline = pipeline
	g.startTime = time.Now()

	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go g.monitorBus(ctx)

	return nil
}

// onNewSample copies the appsink buffer into a new packed Frame (GStreamer
// reuses its buffers and pads rows) and overwrites the mailbox.
func (g *GStreamer) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstreamer: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstreamer: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstreamer: empty buffer received")
		return gst.FlowOK
	}

	frameData, err := packRGB24(data, g.cfg.Width, g.cfg.Height)
	buffer.Unmap()
	if err != nil {
		slog.Warn("gstreamer: dropping malformed frame", "error", err)
		return gst.FlowOK
	}

	g.bytes.Add(uint64(len(frameData)))
	frame := Frame{
		Seq:       g.seq.Add(1),
		Timestamp: time.Now(),
		Width:     g.cfg.Width,
		Height:    g.cfg.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}
	g.box.put(frame)

	return gst.FlowOK
}

// monitorBus polls the pipeline bus until ctx is done or the pipeline fails.
func (g *GStreamer) monitorBus(ctx context.Context) {
	defer g.wg.Done()

	bus := g.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstreamer: end of stream received",
				"uptime", time.Since(g.startTime),
				"frames_processed", g.seq.Load(),
			)
			g.fail(errors.New("end of stream"))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			err := Classify(fmt.Errorf("%s: %s", gerr.Error(), gerr.DebugString()))

			var ce *Error
			errors.As(err, &ce)
			slog.Error("gstreamer: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", ce.Kind.String(),
				"uptime", time.Since(g.startTime),
				"frames_processed", g.seq.Load(),
			)
			g.fail(err)
			return

		case gst.MessageStateChanged:
			if msg.Source() == g.pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstreamer: pipeline state changed", "from", old, "to", new)
				if new == gst.StatePlaying {
					g.playing.Store(true)
				}
			}
		}
	}
}

func (g *GStreamer) fail(err error) {
	g.errMu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.errMu.Unlock()
}

func (g *GStreamer) Err() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.err
}

func (g *GStreamer) ReadyState() ReadyState {
	if _, ok := g.box.get(); ok {
		return HaveEnoughData
	}
	if g.playing.Load() {
		return HaveMetadata
	}
	return HaveNothing
}

func (g *GStreamer) Snapshot() (Frame, bool) {
	return g.box.get()
}

// Stop sets the pipeline to NULL and releases it. Safe to call twice.
func (g *GStreamer) Stop() error {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	pipeline := g.pipeline
	g.pipeline = nil
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	g.wg.Wait()

	g.playing.Store(false)
	g.box.reset()

	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("capture: failed to set pipeline to NULL: %w", err)
	}

	slog.Info("gstreamer source stopped",
		"frames_processed", g.seq.Load(),
		"bytes_read", g.bytes.Load(),
		"uptime", time.Since(g.startTime),
	)
	return nil
}

func (g *GStreamer) Stats() Stats {
	count, lastAt := g.box.stats()

	g.mu.Lock()
	running := g.cancel != nil
	started := g.startTime
	g.mu.Unlock()

	var fpsReal float64
	if running && count > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(count) / elapsed
		}
	}

	return Stats{
		FrameCount:  count,
		FPSTarget:   g.cfg.FPS,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", g.cfg.Width, g.cfg.Height),
		LastFrameAt: lastAt,
		IsRunning:   running,
	}
}
