package preview

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/mask"
)

func solidFrame(w, h int, r, g, b byte) capture.Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		data[i*3], data[i*3+1], data[i*3+2] = r, g, b
	}
	return capture.Frame{Seq: 1, Width: w, Height: h, Data: data, Timestamp: time.Now()}
}

func constMask(w, h int, v float32) *mask.Mask {
	data := make([]float32, w*h)
	for i := range data {
		data[i] = v
	}
	return &mask.Mask{Data: data, Width: w, Height: h}
}

func TestCompositeDefaultMaskIsPassthrough(t *testing.T) {
	frame := solidFrame(32, 24, 10, 200, 30)

	img, err := Composite(frame, mask.Default(8, 8))
	if err != nil {
		t.Fatalf("Composite() error = %v", err)
	}
	for i := 0; i < 32*24; i++ {
		p := img.Pix[i*4 : i*4+3]
		if p[0] != 10 || p[1] != 200 || p[2] != 30 {
			t.Fatalf("pixel %d = %v, want frame color", i, p)
		}
	}
	t.Log("✅ Default mask leaves the frame untouched")
}

func TestCompositeZeroMaskDimsToGray(t *testing.T) {
	frame := solidFrame(16, 16, 255, 255, 255)

	img, err := Composite(frame, constMask(16, 16, 0))
	if err != nil {
		t.Fatalf("Composite() error = %v", err)
	}
	p := img.Pix[0:3]
	if p[0] != 85 || p[1] != 85 || p[2] != 85 {
		t.Errorf("pixel = %v, want dimmed gray 85", p)
	}
}

func TestCompositeRejectsBadInput(t *testing.T) {
	frame := solidFrame(4, 4, 0, 0, 0)
	frame.Data = frame.Data[:10]
	if _, err := Composite(frame, mask.Default(4, 4)); err == nil {
		t.Error("Composite accepted short frame data")
	}

	bad := &mask.Mask{Data: make([]float32, 3), Width: 2, Height: 2}
	if _, err := Composite(solidFrame(4, 4, 0, 0, 0), bad); err == nil {
		t.Error("Composite accepted malformed mask")
	}
}

func TestRenderThrottlesAndWrites(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir, Every: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	clock := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	frame := solidFrame(8, 8, 1, 2, 3)
	m := mask.Default(4, 4)

	if err := r.Render(frame, false, m); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		frame.Seq = uint64(i + 1)
		if err := r.Render(frame, true, m); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(400 * time.Millisecond)
	}
	// 0ms, 400ms, 800ms -> one file; 1200ms -> second
	frame.Seq = 4
	if err := r.Render(frame, true, m); err != nil {
		t.Fatal(err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "preview_*.png"))
	if len(files) != 2 {
		t.Fatalf("wrote %d previews, want 2: %v", len(files), files)
	}
	saved, dropped := r.Stats()
	if saved != 2 || dropped != 0 {
		t.Errorf("Stats() = %d saved, %d dropped", saved, dropped)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("preview is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 8 {
		t.Errorf("preview size = %v, want 8x8", img.Bounds())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Config{Dir: t.TempDir(), Format: "gif"}); err == nil {
		t.Fatal("New accepted gif")
	}
}
