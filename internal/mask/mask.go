// Package mask holds confidence masks and the single-slot buffer that hands
// them from the inference side to the render loop.
//
// Philosophy: "Replace, never mutate. The reader always sees one whole write."
//
// Design:
//   - Mask values are immutable once published (shared by reference)
//   - Buffer is an atomic pointer swap: Read() is one load, Write() is one store
//   - The initial contents are an explicit default mask (uniform 1.0)
package mask

import (
	"errors"
	"fmt"
)

// DefaultWidth and DefaultHeight are the resolution of the default mask
// when the pipeline is not configured otherwise.
const (
	DefaultWidth  = 512
	DefaultHeight = 512
)

// ErrShape is returned when a mask's dimensions do not match its data length.
var ErrShape = errors.New("mask: width*height does not match data length")

// Mask is a dense per-pixel confidence map.
//
// IMMUTABILITY CONTRACT:
//   - Producers MUST NOT modify Data after handing the mask to Buffer.Write
//   - Readers MUST NOT modify Data (it is shared with every other reader)
//
// Values are in [0,1]; higher means "subject of interest".
type Mask struct {
	// Data is row-major, len(Data) == Width*Height.
	Data []float32

	// Width of the mask in pixels
	Width int

	// Height of the mask in pixels
	Height int

	// Seq is the inference request sequence this mask answers.
	// Zero for the default mask.
	Seq uint64
}

// Default builds the uniform "no suppression" mask (all values 1.0).
func Default(width, height int) *Mask {
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	data := make([]float32, width*height)
	for i := range data {
		data[i] = 1.0
	}
	return &Mask{Data: data, Width: width, Height: height}
}

// Validate checks the Width*Height == len(Data) invariant.
func (m *Mask) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil mask", ErrShape)
	}
	if m.Width <= 0 || m.Height <= 0 || m.Width*m.Height != len(m.Data) {
		return fmt.Errorf("%w: %dx%d with %d values", ErrShape, m.Width, m.Height, len(m.Data))
	}
	return nil
}

// At returns the confidence at (x, y). Out of range coordinates are clamped.
func (m *Mask) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= m.Width {
		x = m.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= m.Height {
		y = m.Height - 1
	}
	return m.Data[y*m.Width+x]
}

// Coverage returns the mean confidence over the whole mask.
func (m *Mask) Coverage() float64 {
	if len(m.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.Data {
		sum += float64(v)
	}
	return sum / float64(len(m.Data))
}
