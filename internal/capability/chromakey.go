package capability

import (
	"context"
	"fmt"
	"image"
	"math"

	"gopkg.in/yaml.v3"
)

// KindChromaKey is the built-in reference backend: pixels close to a key
// colour are background.
const KindChromaKey = "chromakey"

func init() {
	Register(KindChromaKey, newChromaKey)
}

// chromaKeyAsset is the model document for the chromakey backend:
//
//	kind: chromakey
//	key: [0, 177, 64]
//	tolerance: 0.30
//	softness: 0.15
//	classes: 2
type chromaKeyAsset struct {
	Kind      string  `yaml:"kind"`
	Key       []int   `yaml:"key"`
	Tolerance float64 `yaml:"tolerance"`
	Softness  float64 `yaml:"softness"`
	Classes   int     `yaml:"classes"`
}

type chromaKey struct {
	key       [3]float64
	tolerance float64
	softness  float64
	classes   int
}

func newChromaKey(asset []byte, _ Options) (Segmenter, error) {
	var doc chromaKeyAsset
	if err := yaml.Unmarshal(asset, &doc); err != nil {
		return nil, fmt.Errorf("chromakey: parse asset: %w", err)
	}
	if len(doc.Key) != 3 {
		return nil, fmt.Errorf("chromakey: key must be [r,g,b], got %v", doc.Key)
	}
	for _, c := range doc.Key {
		if c < 0 || c > 255 {
			return nil, fmt.Errorf("chromakey: key component %d out of range 0-255", c)
		}
	}
	if doc.Tolerance <= 0 {
		doc.Tolerance = 0.3
	}
	if doc.Softness < 0 {
		return nil, fmt.Errorf("chromakey: softness must be >= 0")
	}
	if doc.Classes <= 0 {
		doc.Classes = 2
	}

	return &chromaKey{
		key:       [3]float64{float64(doc.Key[0]), float64(doc.Key[1]), float64(doc.Key[2])},
		tolerance: doc.Tolerance,
		softness:  doc.Softness,
		classes:   doc.Classes,
	}, nil
}

// maxDistance is the RGB distance between black and white.
var maxDistance = math.Sqrt(3 * 255 * 255)

func (c *chromaKey) Segment(ctx context.Context, img *image.RGBA) ([]Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("chromakey: empty image")
	}

	background := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[(y)*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			dr := float64(p[0]) - c.key[0]
			dg := float64(p[1]) - c.key[1]
			db := float64(p[2]) - c.key[2]
			d := math.Sqrt(dr*dr+dg*dg+db*db) / maxDistance
			background[y*w+x] = c.confidence(d)
		}
	}

	channels := []Channel{{Data: background, Width: w, Height: h}}
	if c.classes > 1 {
		subject := make([]float32, len(background))
		for i, v := range background {
			subject[i] = 1 - v
		}
		channels = append(channels, Channel{Data: subject, Width: w, Height: h})
	}
	return channels, nil
}

// confidence maps a normalised key distance to background confidence:
// 1 inside tolerance, 0 beyond tolerance+softness, linear in between.
func (c *chromaKey) confidence(d float64) float32 {
	switch {
	case d <= c.tolerance:
		return 1
	case c.softness == 0 || d >= c.tolerance+c.softness:
		return 0
	default:
		return float32(1 - (d-c.tolerance)/c.softness)
	}
}

func (c *chromaKey) Close() error { return nil }
