// Package capability is the opaque segmentation capability that lives inside
// an inference worker: given an image, produce per-class confidence channels.
//
// The pipeline never looks inside a Segmenter. Backends are selected by the
// "kind" declared in the model asset and registered with Register.
package capability

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedBackend is returned for an unknown delegate or asset kind.
	ErrUnsupportedBackend = errors.New("capability: unsupported backend")

	// ErrAssetFetch is returned when the model asset cannot be retrieved.
	ErrAssetFetch = errors.New("capability: asset fetch failed")
)

// Channel is one confidence map, values in [0,1].
type Channel struct {
	Data   []float32
	Width  int
	Height int
}

// Segmenter produces confidence channels for an image. Channel 0 is the
// "background" class by model contract.
type Segmenter interface {
	Segment(ctx context.Context, img *image.RGBA) ([]Channel, error)
	Close() error
}

// Options configures capability loading.
type Options struct {
	ModelAssetPath        string
	Delegate              string
	OutputConfidenceMasks bool
	OutputCategoryMask    bool
}

// Loader builds a Segmenter. Workers take a Loader so tests (and embedders)
// can inject their own capability.
type Loader func(ctx context.Context, opts Options) (Segmenter, error)

// Factory builds a Segmenter of one kind from its raw asset document.
type Factory func(asset []byte, opts Options) (Segmenter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend kind available to Load. Registering the same kind
// twice replaces the previous factory.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

type assetHeader struct {
	Kind string `yaml:"kind"`
}

// Load is the default Loader: validate options, fetch the asset, and
// dispatch on its declared kind.
func Load(ctx context.Context, opts Options) (Segmenter, error) {
	switch strings.ToUpper(opts.Delegate) {
	case "", "CPU":
	default:
		return nil, fmt.Errorf("%w: delegate %q (only CPU is available)", ErrUnsupportedBackend, opts.Delegate)
	}
	if !opts.OutputConfidenceMasks {
		return nil, fmt.Errorf("%w: confidence masks must be enabled", ErrUnsupportedBackend)
	}

	asset, err := FetchAsset(ctx, opts.ModelAssetPath)
	if err != nil {
		return nil, err
	}

	var header assetHeader
	if err := yaml.Unmarshal(asset, &header); err != nil {
		return nil, fmt.Errorf("%w: asset %s is not a model document: %v", ErrUnsupportedBackend, opts.ModelAssetPath, err)
	}

	registryMu.RLock()
	factory, ok := registry[header.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model kind %q", ErrUnsupportedBackend, header.Kind)
	}

	return factory(asset, opts)
}
