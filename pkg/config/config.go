// Package config holds the process-wide build configuration and the parsed
// input manifest document.
package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Compression selects the layer compression variant.
type Compression string

const (
	CompressionGzip     Compression = "gzip"
	CompressionZstd     Compression = "zstd"
	CompressionDisabled Compression = "disabled"
)

func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case CompressionGzip, CompressionZstd, CompressionDisabled:
		return Compression(s), nil
	case "":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q: want gzip, zstd, or disabled", s)
	}
}

// DefaultLevel returns this variant's default compression level.
func (c Compression) DefaultLevel() int {
	switch c {
	case CompressionGzip:
		return 5
	case CompressionZstd:
		return 1
	default:
		return 0
	}
}

// GlobalConfig is the immutable, per-invocation configuration shared by every
// component in the build. It is produced once from CLI flags, environment,
// and the manifest's top-level fields, then passed down by value or pointer
// to every worker.
type GlobalConfig struct {
	Compression        Compression
	CompressionLevel    int
	OutputDir           string
	Workers             int
	CompressionThreads  int
	SkipXattrs          bool
	PrefetchBudgetBytes int64
	Annotations         map[string]string

	SourceDateEpoch    time.Time
	SourceDateEpochSet bool

	// RemoteParentTimeout bounds fetches of parent images referenced by a
	// "docker://" URL rather than a local OCI layout path.
	RemoteParentTimeout time.Duration

	// DryRun computes everything up to (but not including) the final blob
	// rename and index/oci-layout write.
	DryRun bool

	// MirrorBucket, if set, additionally uploads every finalized blob and
	// the top-level index/layout marker to this S3 bucket after the local
	// write succeeds. Local output remains authoritative.
	MirrorBucket string

	Logger zerolog.Logger
}

const defaultPrefetchLimitMB = 512

// Defaults returns a GlobalConfig with every field at its spec-mandated
// default, ready to be overridden by manifest/CLI values.
func Defaults() GlobalConfig {
	return GlobalConfig{
		Compression:         CompressionZstd,
		CompressionLevel:    CompressionZstd.DefaultLevel(),
		Workers:             1,
		CompressionThreads:  1,
		PrefetchBudgetBytes: defaultPrefetchLimitMB * 1024 * 1024,
		RemoteParentTimeout: 2 * time.Minute,
		Logger:              zerolog.Nop(),
	}
}

// CompressionThreadsFor returns the per-image compression thread budget when
// M images are being built concurrently out of a total worker budget.
func CompressionThreadsFor(workers, concurrentImages int) int {
	if concurrentImages < 1 {
		concurrentImages = 1
	}
	n := workers / concurrentImages
	if n < 1 {
		n = 1
	}
	return n
}
