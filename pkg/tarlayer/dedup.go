package tarlayer

import (
	"time"

	"github.com/ocilayer/forge/pkg/overlay"
	"github.com/ocilayer/forge/pkg/scanner"
)

// shouldDedup reports whether p's new-layer entry is bit-identical to the
// same path's lower-view entry and can therefore be omitted from the new
// tar (its contents are inherited unchanged from the parent image).
func shouldDedup(p string, e *scanner.EntryInfo, lower *overlay.LowerAnalysis, epoch time.Time, epochSet bool) bool {
	if lower == nil {
		return false
	}
	lowerEntry, ok := lower.Get(p)
	if !ok {
		return false
	}

	switch e.Kind {
	case scanner.KindRegular:
		return dedupRegular(e, lowerEntry, epoch, epochSet)
	case scanner.KindSymlink:
		return dedupSymlink(e, lowerEntry)
	default:
		return false
	}
}

func dedupRegular(e *scanner.EntryInfo, lowerEntry *overlay.Entry, epoch time.Time, epochSet bool) bool {
	if lowerEntry.Kind != overlay.KindRegular {
		return false
	}

	lowerChecksum := lowerEntry.PAX["freedesktopsdk.checksum.sha256"]
	if lowerChecksum == "" || lowerChecksum != e.Checksum {
		return false
	}

	if e.Size != lowerEntry.Size ||
		int64(e.Mode) != lowerEntry.Mode ||
		e.UID != lowerEntry.UID ||
		e.GID != lowerEntry.GID {
		return false
	}

	if !normalizedMtime(e.Mtime, epoch, epochSet).Equal(normalizedMtime(lowerEntry.Mtime, epoch, epochSet)) {
		return false
	}

	return xattrSetsEqual(e, lowerEntry)
}

func xattrSetsEqual(e *scanner.EntryInfo, lowerEntry *overlay.Entry) bool {
	lowerXattrs := make(map[string]string)
	for k, v := range lowerEntry.PAX {
		if len(k) > len("SCHILY.xattr.") && k[:len("SCHILY.xattr.")] == "SCHILY.xattr." {
			lowerXattrs[k[len("SCHILY.xattr."):]] = v
		}
	}

	if len(lowerXattrs) != len(e.Xattrs) {
		return false
	}
	for _, x := range e.Xattrs {
		if lowerXattrs[x.Name] != string(x.Value) {
			return false
		}
	}
	return true
}

func dedupSymlink(e *scanner.EntryInfo, lowerEntry *overlay.Entry) bool {
	if lowerEntry.Kind != overlay.KindSymlink {
		return false
	}
	return int64(e.Mode) == lowerEntry.Mode &&
		e.UID == lowerEntry.UID &&
		e.GID == lowerEntry.GID &&
		e.SymlinkTarget == lowerEntry.LinkTarget
}
