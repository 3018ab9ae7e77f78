package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/e7canasta/maskflow/internal/capability"
	"github.com/e7canasta/maskflow/internal/protocol"
)

// server is the worker side of the protocol. It owns the capability and
// is driven by one goroutine, so it needs no locking.
type server struct {
	enc    *protocol.Encoder
	loader capability.Loader

	seg          capability.Segmenter
	initAttempts int
	inputWidth   int
	inputHeight  int
}

// Serve answers protocol messages read from r on w until r ends or ctx is
// done. It returns nil on a clean end of input.
//
// INIT loads the capability through loader. PROCESS_FRAME segments the
// frame, takes confidence channel 0 (background) and inverts it so that
// the returned mask is subject confidence. Failures on a single frame are
// reported as LOG + DROPPED and never end the loop.
func Serve(ctx context.Context, r io.Reader, w io.Writer, loader capability.Loader) error {
	if loader == nil {
		loader = capability.Load
	}
	s := &server{
		enc:    protocol.NewEncoder(w),
		loader: loader,
	}
	defer s.close()

	if err := s.log("Worker: Loaded."); err != nil {
		return err
	}

	dec := protocol.NewDecoder(r)
	var msg protocol.Message
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg.Reset()
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: read request: %w", err)
		}

		var err error
		switch msg.Type {
		case protocol.TypeInit:
			err = s.handleInit(ctx, msg.Config)
		case protocol.TypeProcessFrame:
			err = s.handleFrame(ctx, msg.Seq, msg.Frame)
		default:
			err = s.log(fmt.Sprintf("Worker: ignoring unexpected %q message", msg.Type))
		}
		if err != nil {
			return fmt.Errorf("worker: write reply: %w", err)
		}
	}
}

func (s *server) handleInit(ctx context.Context, cfg *protocol.InitConfig) error {
	s.initAttempts++
	if s.initAttempts > 1 {
		return s.enc.Encode(protocol.Error("already initialized"))
	}
	if cfg == nil {
		return s.enc.Encode(protocol.Error("INIT without config"))
	}

	if err := s.log("Worker: Initializing..."); err != nil {
		return err
	}

	seg, err := s.load(ctx, *cfg)
	if err != nil {
		if werr := s.log("ERROR: " + err.Error()); werr != nil {
			return werr
		}
		return s.enc.Encode(protocol.Error(err.Error()))
	}

	s.seg = seg
	s.inputWidth, s.inputHeight = cfg.InputWidth, cfg.InputHeight

	if err := s.log("Worker: Ready."); err != nil {
		return err
	}
	return s.enc.Encode(protocol.InitDone())
}

// load runs the loader with panic recovery.
func (s *server) load(ctx context.Context, cfg protocol.InitConfig) (seg capability.Segmenter, err error) {
	defer func() {
		if r := recover(); r != nil {
			seg = nil
			err = fmt.Errorf("capability panicked during setup: %v", r)
		}
	}()

	return s.loader(ctx, capability.Options{
		ModelAssetPath:        cfg.ModelAssetPath,
		Delegate:              cfg.Delegate,
		OutputConfidenceMasks: cfg.OutputConfidenceMasks,
		OutputCategoryMask:    cfg.OutputCategoryMask,
	})
}

func (s *server) handleFrame(ctx context.Context, seq uint64, frame *protocol.Frame) error {
	data, width, height, err := s.segment(ctx, frame)
	if err != nil {
		if werr := s.log(fmt.Sprintf("ERROR: frame %d: %v", seq, err)); werr != nil {
			return werr
		}
		return s.enc.Encode(protocol.Dropped(seq, err.Error()))
	}
	return s.enc.Encode(protocol.Result(seq, data, width, height))
}

// segment produces the inverted channel-0 mask for one frame.
func (s *server) segment(ctx context.Context, frame *protocol.Frame) (data []float32, width, height int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability panicked: %v\n%s", r, debug.Stack())
		}
	}()

	if s.seg == nil {
		return nil, 0, 0, errors.New("not initialized")
	}
	if frame == nil {
		return nil, 0, 0, errors.New("PROCESS_FRAME without frame")
	}
	if frame.Format != "" && frame.Format != protocol.FormatRGB24 {
		return nil, 0, 0, fmt.Errorf("unsupported frame format %q", frame.Format)
	}

	img, err := capability.FromRGB24(frame.Data, frame.Width, frame.Height)
	if err != nil {
		return nil, 0, 0, err
	}
	img = capability.Resize(img, s.inputWidth, s.inputHeight)

	channels, err := s.seg.Segment(ctx, img)
	if err != nil {
		return nil, 0, 0, err
	}
	if len(channels) == 0 {
		return nil, 0, 0, errors.New("capability returned no confidence channels")
	}

	background := channels[0]
	if background.Width*background.Height != len(background.Data) {
		return nil, 0, 0, fmt.Errorf("channel 0 is %dx%d with %d values",
			background.Width, background.Height, len(background.Data))
	}
	return Invert(background.Data), background.Width, background.Height, nil
}

// Invert turns background confidence into subject confidence: 1 - c,
// clamped to [0,1]. The input is not modified.
func Invert(background []float32) []float32 {
	out := make([]float32, len(background))
	for i, c := range background {
		v := 1 - c
		if v < 0 || v != v { // NaN counts as background
			v = 0
		} else if v > 1 {
			v = 1
		}
		out[i] = v
	}
	return out
}

func (s *server) log(message string) error {
	return s.enc.Encode(protocol.Log(message))
}

func (s *server) close() {
	if s.seg != nil {
		s.seg.Close()
	}
}
