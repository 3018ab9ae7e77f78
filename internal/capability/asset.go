package capability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// maxAssetSize bounds a downloaded model asset.
const maxAssetSize = 256 << 20

// FetchAsset reads a model asset from a local path or an http(s) URL.
// Every failure wraps ErrAssetFetch.
func FetchAsset(ctx context.Context, location string) ([]byte, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: empty asset location", ErrAssetFetch)
	}

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return fetchHTTP(ctx, location)
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetFetch, err)
	}
	return data, nil
}

func fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetFetch, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: %s", ErrAssetFetch, url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrAssetFetch, url, err)
	}
	if len(data) > maxAssetSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrAssetFetch, url, maxAssetSize)
	}
	return data, nil
}
