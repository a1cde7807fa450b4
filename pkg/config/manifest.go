package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ParentSpec locates a parent image, either as a local OCI layout path or,
// supplementally, a "docker://" registry reference resolved read-only.
type ParentSpec struct {
	Image string `json:"image" yaml:"image"`
	Index *int   `json:"index,omitempty" yaml:"index,omitempty"`
}

// ManifestIndex returns the manifest index to use within the parent's
// top-level index.json, defaulting to 0.
func (p ParentSpec) ManifestIndex() int {
	if p.Index == nil {
		return 0
	}
	return *p.Index
}

// ImageSpec describes one image to build.
type ImageSpec struct {
	Architecture string   `json:"architecture" yaml:"architecture"`
	OS           string   `json:"os" yaml:"os"`
	OSVersion    string   `json:"os.version,omitempty" yaml:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty" yaml:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty" yaml:"variant,omitempty"`

	Author  string `json:"author,omitempty" yaml:"author,omitempty"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`

	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	Annotations      map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	IndexAnnotations map[string]string `json:"index-annotations,omitempty" yaml:"index-annotations,omitempty"`

	Parent *ParentSpec `json:"parent,omitempty" yaml:"parent,omitempty"`
	Layer  string      `json:"layer,omitempty" yaml:"layer,omitempty"`
}

func (img ImageSpec) validate(i int) error {
	if img.Architecture == "" {
		return fmt.Errorf("images[%d]: missing required field 'architecture'", i)
	}
	if img.OS == "" {
		return fmt.Errorf("images[%d]: missing required field 'os'", i)
	}
	return nil
}

// Document is the top-level input manifest, read from stdin as JSON or YAML.
type Document struct {
	Compression      string            `json:"compression,omitempty" yaml:"compression,omitempty"`
	CompressionLevel *int              `json:"compression-level,omitempty" yaml:"compression-level,omitempty"`
	SkipXattrs       bool              `json:"skip-xattrs,omitempty" yaml:"skip-xattrs,omitempty"`
	PrefetchLimitMB  *int              `json:"prefetch-limit-mb,omitempty" yaml:"prefetch-limit-mb,omitempty"`
	Annotations      map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Images           []ImageSpec       `json:"images" yaml:"images"`
}

// Load parses a manifest document from r, sniffing JSON vs. YAML by leading
// non-whitespace byte ('{' or '[' means JSON), and validates required fields.
func Load(r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	var doc Document

	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parsing manifest as JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parsing manifest as YAML: %w", err)
		}
	}

	if len(doc.Images) == 0 {
		return nil, fmt.Errorf("manifest must list at least one image")
	}
	for i, img := range doc.Images {
		if err := img.validate(i); err != nil {
			return nil, err
		}
	}

	return &doc, nil
}

// ApplyTo merges the document's top-level fields into a GlobalConfig,
// overriding whatever defaults it was constructed with.
func (d *Document) ApplyTo(cfg *GlobalConfig) error {
	compression, err := ParseCompression(d.Compression)
	if err != nil {
		return err
	}
	cfg.Compression = compression

	if d.CompressionLevel != nil {
		cfg.CompressionLevel = *d.CompressionLevel
	} else {
		cfg.CompressionLevel = compression.DefaultLevel()
	}

	cfg.SkipXattrs = d.SkipXattrs

	if d.PrefetchLimitMB != nil {
		cfg.PrefetchBudgetBytes = int64(*d.PrefetchLimitMB) * 1024 * 1024
	}

	cfg.Annotations = d.Annotations

	return nil
}
