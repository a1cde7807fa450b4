package overlay

import (
	"archive/tar"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ocilayer/forge/pkg/common"
)

// ParsedArchive is one lower layer's tar contents, classified into ordinary
// entries and whiteout directives, before merging against earlier layers.
type ParsedArchive struct {
	Entries         map[string]*Entry
	OpaqueWhiteouts []string // directory paths marked opaque in this layer
	FileWhiteouts   []string // victim paths removed by this layer
}

// ParseTar reads one already-decompressed tar stream and classifies every
// entry by basename, following the same opaque/file whiteout split the
// teacher's own OCI layer indexer uses when walking a tar stream.
func ParseTar(r io.Reader) (*ParsedArchive, error) {
	tr := tar.NewReader(r)
	pa := &ParsedArchive{Entries: make(map[string]*Entry)}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar header: %w", err)
		}

		cleanPath := path.Clean("/" + strings.TrimPrefix(hdr.Name, "./"))
		dir := path.Dir(cleanPath)
		base := path.Base(cleanPath)

		if base == ".wh..wh..opq" {
			pa.OpaqueWhiteouts = append(pa.OpaqueWhiteouts, dir)
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			victim := path.Join(dir, strings.TrimPrefix(base, ".wh."))
			pa.FileWhiteouts = append(pa.FileWhiteouts, victim)
			continue
		}

		entry, err := entryFromHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cleanPath, err)
		}
		pa.Entries[cleanPath] = entry
	}

	if err := checkWhiteoutConflicts(pa); err != nil {
		return nil, err
	}

	return pa, nil
}

// checkWhiteoutConflicts rejects a layer that marks a path as removed via a
// file whiteout while also providing a real entry at that exact path: the
// two directives contradict each other within a single layer and can't both
// be honored. An opaque directory getting new same-layer content underneath
// it is not a conflict — that's the ordinary "replace this directory's
// contents" pattern opaque whiteouts exist for.
func checkWhiteoutConflicts(pa *ParsedArchive) error {
	for _, victim := range pa.FileWhiteouts {
		if _, ok := pa.Entries[victim]; ok {
			return fmt.Errorf("%s: %w", victim, common.ErrWhiteoutConflict)
		}
	}
	return nil
}

func entryFromHeader(hdr *tar.Header) (*Entry, error) {
	e := &Entry{
		UID:   hdr.Uid,
		GID:   hdr.Gid,
		Mode:  hdr.Mode,
		Mtime: hdr.ModTime,
		Size:  hdr.Size,
		PAX:   hdr.PAXRecords,
	}

	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		e.Kind = KindRegular
	case tar.TypeDir:
		e.Kind = KindDirectory
	case tar.TypeSymlink:
		e.Kind = KindSymlink
		e.LinkTarget = hdr.Linkname
	case tar.TypeLink:
		e.Kind = KindHardlink
		e.LinkTarget = path.Clean("/" + strings.TrimPrefix(hdr.Linkname, "./"))
	default:
		e.Kind = KindOther
		e.Typeflag = hdr.Typeflag
	}

	return e, nil
}
