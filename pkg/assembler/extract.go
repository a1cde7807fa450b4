package assembler

import (
	"fmt"
	"io"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/ocilayer/forge/pkg/blobstore"
	"github.com/ocilayer/forge/pkg/config"
	"github.com/ocilayer/forge/pkg/hashcompress"
)

// reencodeParentLayers decompresses every layer of a resolved parent and
// re-compresses it to the target variant, producing fresh content-addressed
// blobs. Layers are re-encoded in parallel but reassembled in input order.
func reencodeParentLayers(store *blobstore.Store, bundle *parentBundle, cfg config.GlobalConfig, threads int) (*ExtractResult, error) {
	diffIDs := make([]digest.Digest, len(bundle.Layers))
	descs := make([]ispec.Descriptor, len(bundle.Layers))

	g := new(errgroup.Group)
	g.SetLimit(max(1, cfg.Workers))

	for i, layer := range bundle.Layers {
		i, layer := i, layer
		g.Go(func() error {
			desc, diffID, err := reencodeLayer(store, layer, cfg, threads)
			if err != nil {
				return fmt.Errorf("re-encoding parent layer %d: %w", i, err)
			}
			descs[i] = desc
			diffIDs[i] = diffID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ExtractResult{
		DiffIDs:    diffIDs,
		LayerDescs: descs,
		History:    convertHistory(bundle.ConfigFile.History),
	}, nil
}

func reencodeLayer(store *blobstore.Store, layer v1.Layer, cfg config.GlobalConfig, threads int) (ispec.Descriptor, digest.Digest, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return ispec.Descriptor{}, "", fmt.Errorf("opening uncompressed layer: %w", err)
	}
	defer rc.Close()

	var diffID digest.Digest
	desc, err := store.Create(layerMediaType(cfg.Compression), func(w io.Writer) (string, error) {
		stack, err := hashcompress.New(cfg.Compression, w, cfg.CompressionLevel, threads)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(stack, rc); err != nil {
			return "", fmt.Errorf("streaming layer: %w", err)
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

func convertHistory(in []v1.History) []ispec.History {
	out := make([]ispec.History, len(in))
	for i, h := range in {
		out[i] = ispec.History{
			CreatedBy:  h.CreatedBy,
			Author:     h.Author,
			Comment:    h.Comment,
			EmptyLayer: h.EmptyLayer,
		}
		if !h.Created.IsZero() {
			t := h.Created.Time
			out[i].Created = &t
		}
	}
	return out
}
