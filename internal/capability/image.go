package capability

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// FromRGB24 wraps packed RGB24 pixels into an RGBA image (one copy, alpha
// forced opaque).
func FromRGB24(data []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("capability: invalid frame size %dx%d", width, height)
	}
	if len(data) < width*height*3 {
		return nil, fmt.Errorf("capability: frame has %d bytes, need %d for %dx%d RGB24",
			len(data), width*height*3, width, height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < width*height; i, j = i+1, j+3 {
		o := i * 4
		img.Pix[o] = data[j]
		img.Pix[o+1] = data[j+1]
		img.Pix[o+2] = data[j+2]
		img.Pix[o+3] = 0xff
	}
	return img, nil
}

// Resize scales img to width x height with bilinear filtering. A zero or
// matching size returns img unchanged.
func Resize(img *image.RGBA, width, height int) *image.RGBA {
	b := img.Bounds()
	if width <= 0 || height <= 0 || (b.Dx() == width && b.Dy() == height) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
