package assembler

import (
	"encoding/json"
	"io"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocilayer/forge/pkg/blobstore"
	"github.com/ocilayer/forge/pkg/config"
)

func buildManifest(configDesc ispec.Descriptor, layerDescs []ispec.Descriptor, annotations map[string]string) ispec.Manifest {
	if layerDescs == nil {
		layerDescs = []ispec.Descriptor{}
	}
	return ispec.Manifest{
		Versioned:   ispec.Versioned{SchemaVersion: 2},
		MediaType:   ispec.MediaTypeImageManifest,
		Config:      configDesc,
		Layers:      layerDescs,
		Annotations: annotations,
	}
}

func writeManifestBlob(store *blobstore.Store, manifest ispec.Manifest) (ispec.Descriptor, error) {
	return store.Create(ispec.MediaTypeImageManifest, func(w io.Writer) (string, error) {
		return "", json.NewEncoder(w).Encode(manifest)
	})
}

// platformFor builds the descriptor platform block recorded in the
// top-level index for an image's manifest.
func platformFor(img config.ImageSpec) *ispec.Platform {
	return &ispec.Platform{
		Architecture: img.Architecture,
		OS:           img.OS,
		OSVersion:    img.OSVersion,
		OSFeatures:   img.OSFeatures,
		Variant:      img.Variant,
	}
}
