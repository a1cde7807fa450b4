package assembler

import (
	"encoding/json"
	"io"
	"time"

	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocilayer/forge/pkg/blobstore"
	"github.com/ocilayer/forge/pkg/config"
)

// imageConfigDoc mirrors the OCI image config schema, keeping rootfs and
// history strongly typed via image-spec while leaving "config" a free-form
// map so the manifest's arbitrary `config` object passes through untouched.
type imageConfigDoc struct {
	Created      *time.Time     `json:"created,omitempty"`
	Author       string         `json:"author,omitempty"`
	Architecture string         `json:"architecture"`
	OS           string         `json:"os"`
	OSVersion    string         `json:"os.version,omitempty"`
	OSFeatures   []string       `json:"os.features,omitempty"`
	Variant      string         `json:"variant,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	RootFS       ispec.RootFS   `json:"rootfs"`
	History      []ispec.History `json:"history,omitempty"`
}

func buildConfigDoc(img config.ImageSpec, diffIDs []digest.Digest, history []ispec.History, created time.Time) imageConfigDoc {
	if diffIDs == nil {
		diffIDs = []digest.Digest{}
	}
	return imageConfigDoc{
		Created:      &created,
		Author:       img.Author,
		Architecture: img.Architecture,
		OS:           img.OS,
		OSVersion:    img.OSVersion,
		OSFeatures:   img.OSFeatures,
		Variant:      img.Variant,
		Config:       img.Config,
		RootFS:       ispec.RootFS{Type: "layers", DiffIDs: diffIDs},
		History:      history,
	}
}

func writeConfigBlob(store *blobstore.Store, doc imageConfigDoc) (ispec.Descriptor, error) {
	return store.Create(ispec.MediaTypeImageConfig, func(w io.Writer) (string, error) {
		return "", json.NewEncoder(w).Encode(doc)
	})
}

// createdTimestamp resolves the config's `created` field: SOURCE_DATE_EPOCH
// when set, else current UTC time, truncated to whole seconds (RFC3339
// "YYYY-MM-DDTHH:MM:SSZ" has no fractional component).
func createdTimestamp(cfg config.GlobalConfig) time.Time {
	if cfg.SourceDateEpochSet {
		return cfg.SourceDateEpoch
	}
	return time.Now().UTC().Truncate(time.Second)
}
