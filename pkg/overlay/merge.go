package overlay

import "github.com/tidwall/btree"

// Merge combines an ordered stack of parsed lower archives (oldest first)
// into one LowerAnalysis, applying each archive's whiteouts to everything
// merged so far before inserting its own entries (last-writer-wins).
func Merge(archives []*ParsedArchive) *LowerAnalysis {
	a := &LowerAnalysis{files: newFilesTree()}

	for _, archive := range archives {
		for _, dir := range archive.OpaqueWhiteouts {
			removeStrictlyUnder(a.files, dir)
		}
		for _, victim := range archive.FileWhiteouts {
			a.files.Delete(&pathEntry{Path: victim})
			removeStrictlyUnder(a.files, victim)
		}
		for p, e := range archive.Entries {
			a.files.Set(&pathEntry{Path: p, Entry: e})
		}
	}

	a.finalize()
	return a
}

// removeStrictlyUnder deletes every entry whose path has dir+"/" as a
// prefix, i.e. everything strictly beneath dir (not dir itself).
func removeStrictlyUnder(files *btree.BTree, dir string) {
	var toDelete []*pathEntry
	files.Ascend(&pathEntry{Path: dir + "/"}, func(item interface{}) bool {
		pe := item.(*pathEntry)
		if !hasStrictPrefixDir(pe.Path, dir) {
			return false
		}
		toDelete = append(toDelete, pe)
		return true
	})
	for _, pe := range toDelete {
		files.Delete(pe)
	}
}
