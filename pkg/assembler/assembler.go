// Package assembler orchestrates building one or more OCI images from a
// parsed manifest document: extracting and re-encoding a parent's layers,
// packing a new upper layer, and writing the config/manifest/index blobs
// that tie them together.
package assembler

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/ocilayer/forge/pkg/blobstore"
	"github.com/ocilayer/forge/pkg/config"
	"github.com/ocilayer/forge/pkg/metrics"
	"github.com/ocilayer/forge/pkg/overlay"
)

// Caches bundles the process-wide memoizers shared across every image in a
// batch: resolved parent bundles, re-encoded layer sets, and lower-view
// overlay analyses.
type Caches struct {
	bundles *bundleCache
	extract *extractCache
	overlay *overlay.Cache
}

// NewCaches returns a fresh, empty set of process-wide build caches.
func NewCaches() *Caches {
	return &Caches{
		bundles: newBundleCache(),
		extract: newExtractCache(),
		overlay: overlay.NewCache(),
	}
}

// BuildImage implements §4.F for one image: extracting and re-encoding a
// parent's layers, packing an upper directory into a new layer, and writing
// the config and manifest blobs. It returns the manifest descriptor,
// augmented with platform info, ready for the top-level index.
func BuildImage(store *blobstore.Store, img config.ImageSpec, cfg config.GlobalConfig, caches *Caches, threads int) (ispec.Descriptor, error) {
	var diffIDs []digest.Digest
	var layerDescs []ispec.Descriptor
	var history []ispec.History

	var bundle *parentBundle
	if img.Parent != nil {
		var err error
		bundle, err = caches.bundles.GetOrResolve(img.Parent, cfg.RemoteParentTimeout)
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("resolving parent %s: %w", img.Parent.Image, err)
		}

		extractKey := parentKey(img.Parent) + "#" + string(cfg.Compression)
		extracted, err := caches.extract.GetOrExtract(extractKey, func() (*ExtractResult, error) {
			return reencodeParentLayers(store, bundle, cfg, threads)
		})
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("extracting parent %s: %w", img.Parent.Image, err)
		}

		diffIDs = append(diffIDs, extracted.DiffIDs...)
		layerDescs = append(layerDescs, extracted.LayerDescs...)
		history = append(history, extracted.History...)
	}

	created := createdTimestamp(cfg)

	if img.Layer != "" {
		var lower *overlay.LowerAnalysis
		if bundle != nil {
			var err error
			lower, err = caches.overlay.GetOrAnalyze([]string{parentKey(img.Parent)}, func() (*overlay.LowerAnalysis, error) {
				return overlay.Analyze(layerSourcesFor(bundle.Layers), threads)
			})
			if err != nil {
				return ispec.Descriptor{}, fmt.Errorf("analyzing lower view for %s: %w", img.Parent.Image, err)
			}
		}

		layerDesc, diffID, err := buildNewLayer(store, img.Layer, cfg, lower, threads)
		if err != nil {
			return ispec.Descriptor{}, fmt.Errorf("building layer from %s: %w", img.Layer, err)
		}

		diffIDs = append(diffIDs, diffID)
		layerDescs = append(layerDescs, layerDesc)
		history = append(history, ispec.History{
			Created:   &created,
			Author:    img.Author,
			Comment:   img.Comment,
		})
	} else {
		history = append(history, ispec.History{
			Created:    &created,
			Author:     img.Author,
			Comment:    img.Comment,
			EmptyLayer: true,
		})
	}

	configDoc := buildConfigDoc(img, diffIDs, history, created)
	configDesc, err := writeConfigBlob(store, configDoc)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("writing config blob: %w", err)
	}

	manifest := buildManifest(configDesc, layerDescs, img.Annotations)
	manifestDesc, err := writeManifestBlob(store, manifest)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("writing manifest blob: %w", err)
	}

	manifestDesc.Platform = platformFor(img)
	if len(img.IndexAnnotations) > 0 {
		manifestDesc.Annotations = img.IndexAnnotations
	}

	metrics.Global.RecordImageBuilt()
	return manifestDesc, nil
}

// BuildAll builds every image in doc, in parallel when cfg.Workers > 1 and
// there is more than one image, and returns their manifest descriptors in
// input order.
func BuildAll(store *blobstore.Store, doc *config.Document, cfg config.GlobalConfig) ([]ispec.Descriptor, error) {
	caches := NewCaches()
	descs := make([]ispec.Descriptor, len(doc.Images))

	concurrentImages := 1
	if cfg.Workers > 1 && len(doc.Images) > 1 {
		concurrentImages = min(cfg.Workers, len(doc.Images))
	}
	threads := config.CompressionThreadsFor(cfg.Workers, concurrentImages)

	g := new(errgroup.Group)
	g.SetLimit(concurrentImages)

	for i, img := range doc.Images {
		i, img := i, img
		g.Go(func() error {
			desc, err := BuildImage(store, img, cfg, caches, threads)
			if err != nil {
				return fmt.Errorf("building images[%d]: %w", i, err)
			}
			descs[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return descs, nil
}
