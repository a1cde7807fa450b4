package assembler

import (
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocilayer/forge/pkg/config"
	"github.com/ocilayer/forge/pkg/metrics"
)

// bundleCache memoizes parent resolution (index/manifest/config reads, plus
// the remote metadata round-trip for docker:// references) so a manifest
// with several images sharing one parent resolves it once.
type bundleCache struct {
	mu      sync.Mutex
	bundles map[string]*parentBundle
}

func newBundleCache() *bundleCache {
	return &bundleCache{bundles: make(map[string]*parentBundle)}
}

func (c *bundleCache) GetOrResolve(p *config.ParentSpec, timeout time.Duration) (*parentBundle, error) {
	key := parentKey(p)

	c.mu.Lock()
	if b, ok := c.bundles[key]; ok {
		c.mu.Unlock()
		metrics.Global.RecordCacheHit("bundle", true)
		return b, nil
	}
	c.mu.Unlock()

	b, err := resolveParentBundle(p, timeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.bundles[key]; ok {
		return existing, nil
	}
	c.bundles[key] = b
	metrics.Global.RecordCacheHit("bundle", false)
	return b, nil
}

// ExtractResult is the re-encoded form of a parent's layer stack: fresh
// blobs written at the target compression, their diff_ids in layer order,
// and the parent's history carried through unchanged.
type ExtractResult struct {
	DiffIDs    []digest.Digest
	LayerDescs []ispec.Descriptor
	History    []ispec.History
}

// extractCache memoizes re-encoding by (parent, compression): two images in
// the same batch sharing a parent and target compression re-encode its
// layers only once.
type extractCache struct {
	mu      sync.Mutex
	results map[string]*ExtractResult
}

func newExtractCache() *extractCache {
	return &extractCache{results: make(map[string]*ExtractResult)}
}

func (c *extractCache) GetOrExtract(key string, fn func() (*ExtractResult, error)) (*ExtractResult, error) {
	c.mu.Lock()
	if r, ok := c.results[key]; ok {
		c.mu.Unlock()
		metrics.Global.RecordCacheHit("extract", true)
		return r, nil
	}
	c.mu.Unlock()

	r, err := fn()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.results[key]; ok {
		return existing, nil
	}
	c.results[key] = r
	metrics.Global.RecordCacheHit("extract", false)
	return r, nil
}
