package assembler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// indexFileName is "index.json", the top-level index's fixed file name in
// an OCI image layout. image-spec does not export this as a constant (only
// the oci-layout marker's name and version are exported).
const indexFileName = "index.json"

// WriteIndex writes the top-level index.json and oci-layout marker files
// into root, completing the image layout. In dry-run mode it computes
// nothing extra and writes nothing.
func WriteIndex(root string, manifests []ispec.Descriptor, annotations map[string]string, dryRun bool) error {
	if dryRun {
		return nil
	}

	if manifests == nil {
		manifests = []ispec.Descriptor{}
	}

	index := ispec.Index{
		Versioned:   ispec.Versioned{SchemaVersion: 2},
		MediaType:   ispec.MediaTypeImageIndex,
		Manifests:   manifests,
		Annotations: annotations,
	}

	if err := writeJSONFile(filepath.Join(root, indexFileName), index); err != nil {
		return fmt.Errorf("writing %s: %w", indexFileName, err)
	}

	layout := ispec.ImageLayout{Version: ispec.ImageLayoutVersion}
	if err := writeJSONFile(filepath.Join(root, ispec.ImageLayoutFile), layout); err != nil {
		return fmt.Errorf("writing %s: %w", ispec.ImageLayoutFile, err)
	}

	return nil
}

func writeJSONFile(path string, v any) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	return enc.Encode(v)
}
