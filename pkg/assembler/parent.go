package assembler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocilayer/forge/pkg/common"
	"github.com/ocilayer/forge/pkg/config"
	"github.com/ocilayer/forge/pkg/registryauth"
)

// parentBundle is everything extraction and overlay analysis need out of a
// resolved parent image: its layer list (in manifest order) and its config
// file, from which history and existing diff_ids are read.
type parentBundle struct {
	Layers     []v1.Layer
	ConfigFile *v1.ConfigFile
}

// parentKey identifies a parent reference plus manifest index for caching
// purposes; it does not encode compression, since the resolved bundle itself
// is compression-independent.
func parentKey(p *config.ParentSpec) string {
	return p.Image + "#" + strconv.Itoa(p.ManifestIndex())
}

const dockerRefPrefix = "docker://"

func resolveParentBundle(p *config.ParentSpec, timeout time.Duration) (*parentBundle, error) {
	if strings.HasPrefix(p.Image, dockerRefPrefix) {
		return resolveRemoteParent(strings.TrimPrefix(p.Image, dockerRefPrefix), timeout)
	}
	return resolveLocalParent(p.Image, p.ManifestIndex())
}

func resolveLocalParent(path string, manifestIndex int) (*parentBundle, error) {
	if _, err := os.Stat(filepath.Join(path, ispec.ImageLayoutFile)); err != nil {
		return nil, fmt.Errorf("resolving parent %s: %w", path, common.ErrLayoutNotFound)
	}
	if _, err := os.Stat(filepath.Join(path, indexFileName)); err != nil {
		return nil, fmt.Errorf("resolving parent %s: %w", path, common.ErrLayoutNotFound)
	}

	p, err := layout.FromPath(path)
	if err != nil {
		return nil, fmt.Errorf("opening OCI layout %s: %w", path, err)
	}

	idx, err := p.ImageIndex()
	if err != nil {
		return nil, fmt.Errorf("reading index of %s: %w", path, err)
	}

	indexManifest, err := idx.IndexManifest()
	if err != nil {
		return nil, fmt.Errorf("reading index manifest of %s: %w", path, err)
	}
	if manifestIndex < 0 || manifestIndex >= len(indexManifest.Manifests) {
		return nil, fmt.Errorf("parent %s: %w", path, common.ErrNoParentManifest)
	}

	desc := indexManifest.Manifests[manifestIndex]
	img, err := idx.Image(desc.Digest)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s of %s: %w", desc.Digest, path, err)
	}

	return bundleFromImage(img)
}

func resolveRemoteParent(ref string, timeout time.Duration) (*parentBundle, error) {
	reference, err := name.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing parent reference %q: %w", ref, err)
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	keychain := registryauth.Keychain{Provider: registryauth.Default()}
	img, err := remote.Image(reference, remote.WithAuthFromKeychain(keychain), remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching parent image %s: %w", ref, err)
	}

	return bundleFromImage(img)
}

func bundleFromImage(img v1.Image) (*parentBundle, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("listing parent layers: %w", err)
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("reading parent config: %w", err)
	}

	return &parentBundle{Layers: layers, ConfigFile: cfgFile}, nil
}
