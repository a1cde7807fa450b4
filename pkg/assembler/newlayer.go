package assembler

import (
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocilayer/forge/pkg/blobstore"
	"github.com/ocilayer/forge/pkg/config"
	"github.com/ocilayer/forge/pkg/hashcompress"
	"github.com/ocilayer/forge/pkg/overlay"
	"github.com/ocilayer/forge/pkg/scanner"
	"github.com/ocilayer/forge/pkg/tarlayer"
)

// layerSourcesFor adapts a parent's resolved layers into overlay.LayerSource
// closures, each re-opening its own decompressed stream on demand.
func layerSourcesFor(layers []v1.Layer) []overlay.LayerSource {
	sources := make([]overlay.LayerSource, len(layers))
	for i, l := range layers {
		l := l
		sources[i] = func() (io.ReadCloser, error) { return l.Uncompressed() }
	}
	return sources
}

// buildNewLayer scans the upper directory, diffs it against the lower
// view (if any), and writes the resulting tar as one new compressed blob.
func buildNewLayer(store *blobstore.Store, root string, cfg config.GlobalConfig, lower *overlay.LowerAnalysis, threads int) (ispec.Descriptor, digest.Digest, error) {
	scanned, err := scanner.Scan(root, cfg, cfg.Workers)
	if err != nil {
		return ispec.Descriptor{}, "", err
	}

	epoch, epochSet := cfg.SourceDateEpoch, cfg.SourceDateEpochSet

	var diffID digest.Digest
	desc, err := store.Create(layerMediaType(cfg.Compression), func(w io.Writer) (string, error) {
		stack, err := hashcompress.New(cfg.Compression, w, cfg.CompressionLevel, threads)
		if err != nil {
			return "", err
		}
		if err := tarlayer.Emit(stack, root, scanned.Entries, scanned.Children, lower, epoch, epochSet); err != nil {
			return "", err
		}
		d, blobDigest, _, err := stack.Close()
		if err != nil {
			return "", err
		}
		diffID = d
		return blobDigest.Encoded(), nil
	})
	if err != nil {
		return ispec.Descriptor{}, "", err
	}
	return desc, diffID, nil
}
