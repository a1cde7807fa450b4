package overlay

import (
	"strings"
	"sync"

	"github.com/ocilayer/forge/pkg/metrics"
)

// Cache is the process-wide overlay-analysis cache keyed by the ordered
// lower file-path list. Entries are inserted once and never invalidated
// within a run: two images sharing the same parent layer stack reuse the
// same LowerAnalysis instead of re-parsing it.
type Cache struct {
	mu      sync.Mutex
	results map[string]*LowerAnalysis
}

func NewCache() *Cache {
	return &Cache{results: make(map[string]*LowerAnalysis)}
}

func cacheKey(lowerPaths []string) string {
	return strings.Join(lowerPaths, "\x00")
}

// GetOrAnalyze returns the cached LowerAnalysis for lowerPaths, computing it
// via analyze on first use.
func (c *Cache) GetOrAnalyze(lowerPaths []string, analyze func() (*LowerAnalysis, error)) (*LowerAnalysis, error) {
	key := cacheKey(lowerPaths)

	c.mu.Lock()
	if a, ok := c.results[key]; ok {
		c.mu.Unlock()
		metrics.Global.RecordCacheHit("overlay", true)
		return a, nil
	}
	c.mu.Unlock()

	a, err := analyze()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.results[key]; ok {
		c.mu.Unlock()
		metrics.Global.RecordCacheHit("overlay", true)
		return existing, nil
	}
	c.results[key] = a
	c.mu.Unlock()

	metrics.Global.RecordCacheHit("overlay", false)
	return a, nil
}
