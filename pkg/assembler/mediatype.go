package assembler

import (
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocilayer/forge/pkg/config"
)

// layerMediaType returns the OCI media type for a newly written or
// re-encoded layer blob in the given compression variant.
func layerMediaType(c config.Compression) string {
	switch c {
	case config.CompressionGzip:
		return ispec.MediaTypeImageLayerGzip
	case config.CompressionZstd:
		return ispec.MediaTypeImageLayerZstd
	default:
		return ispec.MediaTypeImageLayer
	}
}
