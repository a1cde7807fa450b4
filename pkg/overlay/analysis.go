package overlay

import (
	"path"
	"strings"

	"github.com/tidwall/btree"
)

// pathEntry is the ordered-index element; the tree is sorted purely by Path,
// mirroring the teacher's own btree.New(compare-by-Path) index construction.
type pathEntry struct {
	Path  string
	Entry *Entry
}

func pathLess(a, b interface{}) bool {
	return a.(*pathEntry).Path < b.(*pathEntry).Path
}

func newFilesTree() *btree.BTree {
	return btree.New(pathLess)
}

// LowerAnalysis is the combined filesystem state seen by a new layer,
// after parsing and merging an ordered stack of lower tar archives.
type LowerAnalysis struct {
	files       *btree.BTree
	dirContents map[string][]string
}

// Get returns the merged entry at path, if any.
func (a *LowerAnalysis) Get(p string) (*Entry, bool) {
	v := a.files.Get(&pathEntry{Path: p})
	if v == nil {
		return nil, false
	}
	return v.(*pathEntry).Entry, true
}

// Children returns the sorted immediate basenames under directory dir.
func (a *LowerAnalysis) Children(dir string) []string {
	return a.dirContents[dir]
}

// Len returns the number of merged entries.
func (a *LowerAnalysis) Len() int {
	return a.files.Len()
}

// Paths visits every merged path in ascending lexicographic order.
func (a *LowerAnalysis) Paths(visit func(p string, e *Entry) bool) {
	a.files.Ascend(nil, func(item interface{}) bool {
		pe := item.(*pathEntry)
		return visit(pe.Path, pe.Entry)
	})
}

// finalize derives dir_contents from the merged files tree: every entry's
// basename is grouped under path.Dir(entry path). The root entry "/" is not
// a child of anything and is skipped. Ascend visits paths in sorted order,
// so each group comes out already sorted by basename.
func (a *LowerAnalysis) finalize() {
	a.dirContents = make(map[string][]string)
	a.files.Ascend(nil, func(item interface{}) bool {
		pe := item.(*pathEntry)
		if pe.Path == "/" {
			return true
		}
		dir := path.Dir(pe.Path)
		base := path.Base(pe.Path)
		a.dirContents[dir] = append(a.dirContents[dir], base)
		return true
	})
}

// hasStrictPrefixDir reports whether p lies strictly beneath dir, i.e.
// p has dir+"/" as a prefix.
func hasStrictPrefixDir(p, dir string) bool {
	return strings.HasPrefix(p, dir+"/")
}
