// Package preview is a headless renderer: it composites the latest frame
// with the current mask and periodically writes the result to disk.
//
// Where the mask is 1 the frame shows through; where it is 0 the pixel is
// replaced by a dimmed grayscale version. With the default mask (all ones)
// the output is the plain frame, which is what manual visual mode looks like.
package preview

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/e7canasta/maskflow/internal/capability"
	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/mask"
)

// Config configures a Renderer.
type Config struct {
	Dir         string
	Every       time.Duration
	Format      string // png, jpeg
	JPEGQuality int    // 1-100, jpeg only
}

// Renderer writes composited previews no more often than Every.
//
// Thread-safety: Render is meant for the render loop only.
type Renderer struct {
	cfg  Config
	now  func() time.Time
	last time.Time

	saved   atomic.Uint64
	dropped atomic.Uint64
}

// New creates the output directory and validates the format.
func New(cfg Config) (*Renderer, error) {
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.Format != "png" && cfg.Format != "jpeg" {
		return nil, fmt.Errorf("preview: unsupported format: %s (must be png or jpeg)", cfg.Format)
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("preview: failed to create output directory: %w", err)
	}
	return &Renderer{cfg: cfg, now: time.Now}, nil
}

// Render writes a preview if Every has elapsed since the last one. Ticks
// without a frame are skipped.
func (r *Renderer) Render(frame capture.Frame, hasFrame bool, m *mask.Mask) error {
	if !hasFrame {
		return nil
	}
	now := r.now()
	if !r.last.IsZero() && now.Sub(r.last) < r.cfg.Every {
		return nil
	}
	r.last = now

	if err := r.save(frame, m); err != nil {
		r.dropped.Add(1)
		return err
	}
	r.saved.Add(1)
	return nil
}

// Stats returns current save statistics.
func (r *Renderer) Stats() (saved, dropped uint64) {
	return r.saved.Load(), r.dropped.Load()
}

// save writes preview_{seq:06d}_{timestamp}.{ext}.
func (r *Renderer) save(frame capture.Frame, m *mask.Mask) error {
	img, err := Composite(frame, m)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("preview_%06d_%s.%s",
		frame.Seq,
		frame.Timestamp.Format("20060102_150405.000"),
		r.cfg.Format)
	file, err := os.Create(filepath.Join(r.cfg.Dir, name))
	if err != nil {
		return fmt.Errorf("preview: failed to create file: %w", err)
	}
	defer file.Close()

	switch r.cfg.Format {
	case "png":
		err = png.Encode(file, img)
	case "jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: r.cfg.JPEGQuality})
	}
	if err != nil {
		return fmt.Errorf("preview: %s encode failed: %w", r.cfg.Format, err)
	}
	return nil
}

// Composite blends frame with m scaled to the frame size.
func Composite(frame capture.Frame, m *mask.Mask) (*image.RGBA, error) {
	img, err := capability.FromRGB24(frame.Data, frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	alpha := scaleMask(m, img.Bounds())

	for i := 0; i < frame.Width*frame.Height; i++ {
		a := uint32(alpha.Pix[i])
		if a == 255 {
			continue
		}
		p := img.Pix[i*4 : i*4+4 : i*4+4]
		r, g, b := uint32(p[0]), uint32(p[1]), uint32(p[2])
		gray := (299*r + 587*g + 114*b) / 1000 / 3 // dimmed luma
		p[0] = uint8((r*a + gray*(255-a)) / 255)
		p[1] = uint8((g*a + gray*(255-a)) / 255)
		p[2] = uint8((b*a + gray*(255-a)) / 255)
	}
	return img, nil
}

// scaleMask converts m to 8-bit alpha and resizes it to bounds.
func scaleMask(m *mask.Mask, bounds image.Rectangle) *image.Gray {
	src := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Data {
		switch {
		case v <= 0:
			src.Pix[i] = 0
		case v >= 1:
			src.Pix[i] = 255
		default:
			src.Pix[i] = uint8(v*255 + 0.5)
		}
	}
	if src.Bounds().Size() == bounds.Size() {
		return src
	}

	dst := image.NewGray(bounds)
	draw.BiLinear.Scale(dst, bounds, src, src.Bounds(), draw.Src, nil)
	return dst
}

