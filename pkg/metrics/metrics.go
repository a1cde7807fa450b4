// Package metrics collects counters for one build invocation: bytes
// scanned, blobs written, and cache hit/miss rates across the process-wide
// caches, logged through zerolog the way the rest of the build does.
package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metrics collects performance and usage metrics for one build run.
type Metrics struct {
	mu sync.RWMutex

	FilesScannedTotal int64
	BytesScannedTotal int64

	BlobsWrittenTotal     int64
	BlobBytesWrittenTotal int64

	CompressionCPUNs    int64
	CompressionCountTotal int64

	CacheHitsTotal   map[string]int64 // by cache name (bundle, extract, overlay)
	CacheMissesTotal map[string]int64

	ImagesBuiltTotal int64
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		CacheHitsTotal:   make(map[string]int64),
		CacheMissesTotal: make(map[string]int64),
	}
}

// RecordScan records one scanned filesystem entry's content size.
func (m *Metrics) RecordScan(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FilesScannedTotal++
	m.BytesScannedTotal += bytes
}

// RecordBlobWritten records one blob publish.
func (m *Metrics) RecordBlobWritten(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BlobsWrittenTotal++
	m.BlobBytesWrittenTotal += bytes

	log.Debug().
		Int64("bytes", bytes).
		Int64("total_blobs", m.BlobsWrittenTotal).
		Msg("blob written")
}

// RecordCompression records CPU time spent in the hash/compress stack.
func (m *Metrics) RecordCompression(cpuTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CompressionCPUNs += cpuTime.Nanoseconds()
	m.CompressionCountTotal++
}

// RecordCacheHit records a hit or miss against a named process-wide cache
// ("bundle", "extract", "overlay").
func (m *Metrics) RecordCacheHit(cacheName string, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hit {
		m.CacheHitsTotal[cacheName]++
	} else {
		m.CacheMissesTotal[cacheName]++
	}
}

// RecordImageBuilt records one completed image build.
func (m *Metrics) RecordImageBuilt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ImagesBuiltTotal++

	log.Info().
		Int64("total_images", m.ImagesBuiltTotal).
		Msg("image built")
}

// GetPrometheusMetrics returns metrics in a flat name->value map, mirroring
// the shape a Prometheus textfile exporter would read.
func (m *Metrics) GetPrometheusMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]interface{})

	out["forge_files_scanned_total"] = m.FilesScannedTotal
	out["forge_bytes_scanned_total"] = m.BytesScannedTotal
	out["forge_blobs_written_total"] = m.BlobsWrittenTotal
	out["forge_blob_bytes_written_total"] = m.BlobBytesWrittenTotal
	out["forge_compression_cpu_seconds_total"] = float64(m.CompressionCPUNs) / 1e9
	out["forge_compression_count_total"] = m.CompressionCountTotal
	out["forge_images_built_total"] = m.ImagesBuiltTotal

	for name, count := range m.CacheHitsTotal {
		out["forge_cache_hits_total{cache=\""+name+"\"}"] = count
	}
	for name, count := range m.CacheMissesTotal {
		out["forge_cache_misses_total{cache=\""+name+"\"}"] = count
	}

	return out
}

// LogSummary logs a one-line summary of current metrics.
func (m *Metrics) LogSummary() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cacheHits, cacheMisses int64
	for _, c := range m.CacheHitsTotal {
		cacheHits += c
	}
	for _, c := range m.CacheMissesTotal {
		cacheMisses += c
	}

	cacheHitRate := float64(0)
	if cacheHits+cacheMisses > 0 {
		cacheHitRate = float64(cacheHits) / float64(cacheHits+cacheMisses)
	}

	log.Info().
		Int64("images_built", m.ImagesBuiltTotal).
		Int64("files_scanned", m.FilesScannedTotal).
		Int64("bytes_scanned", m.BytesScannedTotal).
		Int64("blobs_written", m.BlobsWrittenTotal).
		Int64("blob_bytes_written", m.BlobBytesWrittenTotal).
		Float64("compression_cpu_seconds", float64(m.CompressionCPUNs)/1e9).
		Float64("cache_hit_rate", cacheHitRate).
		Msg("build metrics summary")
}

// Global is the process-wide metrics instance for one build invocation.
var Global = NewMetrics()
