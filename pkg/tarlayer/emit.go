// Package tarlayer writes a PAX-annotated tar stream for one new image
// layer, visiting the scanner's entry table in canonical depth-first order,
// synthesizing whiteouts for paths removed relative to the lower view, and
// deduplicating entries that are bit-identical to what the lower view
// already provides.
package tarlayer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/ocilayer/forge/pkg/overlay"
	"github.com/ocilayer/forge/pkg/scanner"
)

// emitContext threads the bits every step of the DFS needs.
type emitContext struct {
	root      string
	entries   map[string]*scanner.EntryInfo
	children  map[string][]string
	lower     *overlay.LowerAnalysis
	epoch     time.Time
	epochSet  bool
}

// Emit writes the new layer's tar stream to w, rooted at the upper
// directory root on disk (used only to stream bodies that weren't cached
// during the scan). lower may be nil when there is no parent layer stack to
// diff against.
func Emit(w io.Writer, root string, entries map[string]*scanner.EntryInfo, children map[string][]string, lower *overlay.LowerAnalysis, epoch time.Time, epochSet bool) error {
	ctx := &emitContext{root: root, entries: entries, children: children, lower: lower, epoch: epoch, epochSet: epochSet}
	tw := tar.NewWriter(w)

	type frame struct{ dir string }
	stack := []frame{{dir: "/"}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := emitDirectory(tw, top.dir, ctx); err != nil {
			return err
		}

		kids := children[top.dir]
		var subdirs []string
		for _, name := range kids {
			childPath := joinPath(top.dir, name)
			if e, ok := entries[childPath]; ok && e.Kind == scanner.KindDirectory {
				subdirs = append(subdirs, childPath)
			}
		}
		// Push in reverse so pre-order pop restores lexicographic order.
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, frame{dir: subdirs[i]})
		}

		if err := emitFilesAndWhiteouts(tw, top.dir, ctx); err != nil {
			return err
		}
	}

	return tw.Close()
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// tarName renders a path's tar entry name in the "./..." convention, with a
// trailing slash for directories.
func tarName(p string, isDir bool) string {
	rel := path.Clean(p)
	if rel == "/" {
		if isDir {
			return "./"
		}
		return "."
	}
	name := "." + rel
	if isDir {
		name += "/"
	}
	return name
}

func normalizedMtime(mtime time.Time, epoch time.Time, epochSet bool) time.Time {
	if epochSet {
		return epoch
	}
	return mtime
}

func emitDirectory(tw *tar.Writer, dir string, ctx *emitContext) error {
	if dir == "/" {
		hdr, err := rootHeader(ctx)
		if err != nil {
			return err
		}
		return writeHeader(tw, hdr, nil)
	}

	e, ok := ctx.entries[dir]
	if !ok {
		return fmt.Errorf("missing directory entry for %s", dir)
	}

	return writeHeader(tw, &tar.Header{
		Name:     tarName(dir, true),
		Typeflag: tar.TypeDir,
		Mode:     int64(e.Mode),
		Uid:      e.UID,
		Gid:      e.GID,
		ModTime:  normalizedMtime(e.Mtime, ctx.epoch, ctx.epochSet),
	}, nil)
}

// rootHeader stats the upper root directory on disk, since the scanner
// deliberately excludes it from entries: its metadata is fetched on demand
// here instead.
func rootHeader(ctx *emitContext) (*tar.Header, error) {
	fi, err := os.Lstat(ctx.root)
	if err != nil {
		return nil, fmt.Errorf("statting root %s: %w", ctx.root, err)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("unsupported stat_t for %s", ctx.root)
	}

	return &tar.Header{
		Name:     "./",
		Typeflag: tar.TypeDir,
		Mode:     int64(fi.Mode().Perm()),
		Uid:      int(st.Uid),
		Gid:      int(st.Gid),
		ModTime:  normalizedMtime(fi.ModTime(), ctx.epoch, ctx.epochSet),
	}, nil
}

// emitFilesAndWhiteouts handles steps 5-6 of the directory visit: whiteouts
// for lower-only names first, then non-directory children in sorted order.
func emitFilesAndWhiteouts(tw *tar.Writer, dir string, ctx *emitContext) error {
	if ctx.lower != nil {
		present := make(map[string]bool, len(ctx.children[dir]))
		for _, name := range ctx.children[dir] {
			present[name] = true
		}
		for _, name := range ctx.lower.Children(dir) {
			if present[name] {
				continue
			}
			victimPath := joinPath(dir, name)
			lowerEntry, _ := ctx.lower.Get(victimPath)
			if err := emitWhiteout(tw, dir, name, lowerEntry, ctx.epoch, ctx.epochSet); err != nil {
				return err
			}
		}
	}

	names := append([]string(nil), ctx.children[dir]...)
	sort.Strings(names)
	for _, name := range names {
		childPath := joinPath(dir, name)
		e, ok := ctx.entries[childPath]
		if !ok || e.Kind == scanner.KindDirectory {
			continue
		}
		if shouldDedup(childPath, e, ctx.lower, ctx.epoch, ctx.epochSet) {
			continue
		}
		if err := emitFile(tw, childPath, e, ctx); err != nil {
			return err
		}
	}

	return nil
}

func emitWhiteout(tw *tar.Writer, dir, name string, lowerEntry *overlay.Entry, epoch time.Time, epochSet bool) error {
	prefix := "./"
	if dir != "/" {
		prefix = "." + dir + "/"
	}

	hdr := &tar.Header{
		Name:     prefix + ".wh." + name,
		Typeflag: tar.TypeReg,
		Size:     0,
		ModTime:  epoch,
	}
	if lowerEntry != nil {
		hdr.Uid = lowerEntry.UID
		hdr.Gid = lowerEntry.GID
		hdr.Mode = lowerEntry.Mode
		hdr.ModTime = normalizedMtime(lowerEntry.Mtime, epoch, epochSet)
	}
	return writeHeader(tw, hdr, nil)
}

func emitFile(tw *tar.Writer, p string, e *scanner.EntryInfo, ctx *emitContext) error {
	switch e.Kind {
	case scanner.KindRegular:
		return emitRegular(tw, p, e, ctx)
	case scanner.KindSymlink:
		return writeHeader(tw, &tar.Header{
			Name:     tarName(p, false),
			Typeflag: tar.TypeSymlink,
			Linkname: e.SymlinkTarget,
			Mode:     int64(e.Mode),
			Uid:      e.UID,
			Gid:      e.GID,
			Size:     0,
			ModTime:  normalizedMtime(e.Mtime, ctx.epoch, ctx.epochSet),
		}, nil)
	case scanner.KindHardlink:
		target := e.HardlinkTarget
		if target != "" && target[0] != '.' {
			target = "." + target
		}
		return writeHeader(tw, &tar.Header{
			Name:     tarName(p, false),
			Typeflag: tar.TypeLink,
			Linkname: target,
			Mode:     int64(e.Mode),
			Uid:      e.UID,
			Gid:      e.GID,
			Size:     0,
			ModTime:  normalizedMtime(e.Mtime, ctx.epoch, ctx.epochSet),
		}, nil)
	default:
		hdr := &tar.Header{
			Name:     tarName(p, false),
			Typeflag: tar.TypeReg,
			Mode:     int64(e.Mode),
			Uid:      e.UID,
			Gid:      e.GID,
			Size:     e.Size,
			ModTime:  normalizedMtime(e.Mtime, ctx.epoch, ctx.epochSet),
		}
		return writeHeader(tw, hdr, nil)
	}
}

func emitRegular(tw *tar.Writer, p string, e *scanner.EntryInfo, ctx *emitContext) error {
	pax := map[string]string{"freedesktopsdk.checksum.sha256": e.Checksum}
	for _, x := range e.Xattrs {
		pax["SCHILY.xattr."+x.Name] = string(x.Value)
	}

	hdr := &tar.Header{
		Name:     tarName(p, false),
		Typeflag: tar.TypeReg,
		Mode:     int64(e.Mode),
		Uid:      e.UID,
		Gid:      e.GID,
		Size:     e.Size,
		ModTime:  normalizedMtime(e.Mtime, ctx.epoch, ctx.epochSet),
	}

	if err := writeHeader(tw, hdr, pax); err != nil {
		return err
	}

	if e.Contents != nil {
		_, err := tw.Write(e.Contents.Bytes())
		return err
	}
	return streamFileBody(tw, p, ctx)
}

// streamFileBody is the fallback body writer for a regular file whose
// contents weren't cached during the scan (it was too large for the
// prefetch budget and below the mmap threshold).
func streamFileBody(tw *tar.Writer, p string, ctx *emitContext) error {
	f, err := os.Open(filepath.Join(ctx.root, p))
	if err != nil {
		return fmt.Errorf("opening %s for streaming: %w", p, err)
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// writeHeader writes the PAX extended header (if any records are given)
// followed by the main header, matching the spec's ordering.
func writeHeader(tw *tar.Writer, hdr *tar.Header, pax map[string]string) error {
	if len(pax) > 0 {
		payload := paxPayload(pax)
		paxHdr := &tar.Header{
			Name:     hdr.Name,
			Typeflag: tar.TypeXHeader,
			Size:     int64(len(payload)),
		}
		if err := tw.WriteHeader(paxHdr); err != nil {
			return fmt.Errorf("writing pax header for %s: %w", hdr.Name, err)
		}
		if _, err := tw.Write([]byte(payload)); err != nil {
			return fmt.Errorf("writing pax payload for %s: %w", hdr.Name, err)
		}
	}
	return tw.WriteHeader(hdr)
}
