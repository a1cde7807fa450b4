package assembler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocilayer/forge/pkg/blobstore"
	"github.com/ocilayer/forge/pkg/config"
)

// S1: no layer, no parent. The manifest's config has an empty diff_ids list
// and a single history entry marked empty_layer.
func TestBuildImageEmptyLayer(t *testing.T) {
	store, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	cfg := config.Defaults()
	cfg.Compression = config.CompressionZstd
	cfg.CompressionLevel = config.CompressionZstd.DefaultLevel()
	cfg.SourceDateEpoch = time.Unix(1700000000, 0).UTC()
	cfg.SourceDateEpochSet = true

	img := config.ImageSpec{Architecture: "amd64", OS: "linux"}

	caches := NewCaches()
	manifestDesc, err := BuildImage(store, img, cfg, caches, 1)
	require.NoError(t, err)

	require.Equal(t, "amd64", manifestDesc.Platform.Architecture)
	require.Equal(t, "linux", manifestDesc.Platform.OS)

	manifestBytes, err := os.ReadFile(store.Path(manifestDesc.Digest))
	require.NoError(t, err)

	var manifest struct {
		Config struct {
			Digest string `json:"digest"`
		} `json:"config"`
		Layers []any `json:"layers"`
	}
	require.NoError(t, json.Unmarshal(manifestBytes, &manifest))
	require.Empty(t, manifest.Layers)

	configBytes, err := os.ReadFile(filepath.Join(store.Root(), "blobs", "sha256", manifest.Config.Digest[len("sha256:"):]))
	require.NoError(t, err)

	var cfgDoc imageConfigDoc
	require.NoError(t, json.Unmarshal(configBytes, &cfgDoc))
	require.Empty(t, cfgDoc.RootFS.DiffIDs)
	require.Len(t, cfgDoc.History, 1)
	require.True(t, cfgDoc.History[0].EmptyLayer)
}

// S8 (reproducibility): two independent builds over the same source tree,
// same fixed epoch, and same manifest fields produce byte-identical config
// and manifest blobs.
func TestBuildImageReproducibleUnderSourceDateEpoch(t *testing.T) {
	upper := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(upper, "hello.txt"), []byte("hi\n"), 0o644))

	build := func() ([]byte, []byte) {
		store, err := blobstore.Open(t.TempDir())
		require.NoError(t, err)
		defer store.Close()

		cfg := config.Defaults()
		cfg.Compression = config.CompressionDisabled
		cfg.SourceDateEpoch = time.Unix(1700000000, 0).UTC()
		cfg.SourceDateEpochSet = true

		img := config.ImageSpec{Architecture: "amd64", OS: "linux", Layer: upper}

		manifestDesc, err := BuildImage(store, img, cfg, NewCaches(), 1)
		require.NoError(t, err)

		manifestBytes, err := os.ReadFile(store.Path(manifestDesc.Digest))
		require.NoError(t, err)

		var manifest struct {
			Config struct {
				Digest string `json:"digest"`
			} `json:"config"`
		}
		require.NoError(t, json.Unmarshal(manifestBytes, &manifest))
		configBytes, err := os.ReadFile(filepath.Join(store.Root(), "blobs", "sha256", manifest.Config.Digest[len("sha256:"):]))
		require.NoError(t, err)

		return configBytes, manifestBytes
	}

	config1, manifest1 := build()
	config2, manifest2 := build()

	require.Equal(t, config1, config2)
	require.Equal(t, manifest1, manifest2)
}
