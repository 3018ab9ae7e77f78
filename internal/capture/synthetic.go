package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Key and subject colours of the synthetic scene. The background matches
// the default chromakey model asset.
var (
	SyntheticBackground = [3]byte{0, 177, 64}
	SyntheticSubject    = [3]byte{224, 172, 138}
)

// SyntheticConfig configures the synthetic source.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    float64
}

// Synthetic renders a green-screen scene with a disc orbiting the centre.
// It needs no hardware, which makes it the default source for demos and
// tests.
type Synthetic struct {
	width  int
	height int
	fps    float64

	box mailbox
	seq atomic.Uint64

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
}

// NewSynthetic validates cfg and returns a stopped source.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("capture: invalid fps %.2f", cfg.FPS)
	}
	return &Synthetic{width: cfg.Width, height: cfg.Height, fps: cfg.FPS}, nil
}

// Start begins generating frames. The first frame is published before
// Start returns.
func (s *Synthetic) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("capture: synthetic source already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	slog.Info("synthetic source starting",
		"width", s.width,
		"height", s.height,
		"fps", s.fps,
	)

	s.box.put(s.createFrame())

	s.wg.Add(1)
	go s.generateFrames(ctx)
	return nil
}

func (s *Synthetic) generateFrames(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.box.put(s.createFrame())
		}
	}
}

// createFrame draws the scene for the next sequence number.
func (s *Synthetic) createFrame() Frame {
	seq := s.seq.Add(1)

	w, h := s.width, s.height
	data := make([]byte, w*h*3)

	// Disc orbits once every 4 seconds of frames.
	angle := 2 * math.Pi * float64(seq) / (4 * s.fps)
	cx := float64(w)/2 + float64(w)/4*math.Cos(angle)
	cy := float64(h)/2 + float64(h)/4*math.Sin(angle)
	r := float64(min(w, h)) / 5
	r2 := r * r

	for y := 0; y < h; y++ {
		dy := float64(y) - cy
		for x := 0; x < w; x++ {
			dx := float64(x) - cx
			c := SyntheticBackground
			if dx*dx+dy*dy <= r2 {
				c = SyntheticSubject
			}
			o := (y*w + x) * 3
			data[o], data[o+1], data[o+2] = c[0], c[1], c[2]
		}
	}

	return Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}

func (s *Synthetic) ReadyState() ReadyState {
	if _, ok := s.box.get(); ok {
		return HaveEnoughData
	}
	return HaveNothing
}

func (s *Synthetic) Snapshot() (Frame, bool) {
	return s.box.get()
}

// Err is always nil: the synthetic source cannot fail once constructed.
func (s *Synthetic) Err() error { return nil }

func (s *Synthetic) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	count, _ := s.box.stats()
	slog.Info("synthetic source stopped",
		"frames_emitted", count,
		"duration", time.Since(s.startTime),
	)
	s.box.reset()
	return nil
}

func (s *Synthetic) Stats() Stats {
	count, lastAt := s.box.stats()

	s.mu.Lock()
	running := s.cancel != nil
	started := s.startTime
	s.mu.Unlock()

	var fpsReal float64
	if running && count > 0 {
		if elapsed := time.Since(started).Seconds(); elapsed > 0 {
			fpsReal = float64(count) / elapsed
		}
	}

	return Stats{
		FrameCount:  count,
		FPSTarget:   s.fps,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", s.width, s.height),
		LastFrameAt: lastAt,
		IsRunning:   running,
	}
}
