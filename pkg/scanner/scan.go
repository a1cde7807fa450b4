package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/karrick/godirwalk"
	"github.com/pkg/xattr"
	"golang.org/x/sync/errgroup"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/ocilayer/forge/pkg/config"
	"github.com/ocilayer/forge/pkg/metrics"
)

// checksumXattrName is the reserved xattr that, when present, supplies a
// file's checksum directly instead of it being derived from content.
const checksumXattrName = "user.checksum.sha256"

// Result is the scanner's output: every discovered path's EntryInfo and,
// for each directory, its sorted immediate children.
type Result struct {
	Entries  map[string]*EntryInfo
	Children map[string][]string
}

// walkedPath is a path discovered during the single traversal pass, before
// the parallel per-entry stat/content phases run.
type walkedPath struct {
	relPath  string
	fullPath string
	isDir    bool
	isSymlnk bool
}

// Scan walks root (the upper directory for one layer) and produces a
// deterministic entry table. workers bounds the per-entry processing
// concurrency; root itself is excluded from the result.
func Scan(root string, cfg config.GlobalConfig, workers int) (*Result, error) {
	if workers < 1 {
		workers = 1
	}

	walked, err := walk(root)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]*EntryInfo, len(walked))
	budget := newBudgetCounter(cfg.PrefetchBudgetBytes)

	// Phase 1 (parallel): stat, xattrs, symlink targets, hardlink keys.
	var g errgroup.Group
	g.SetLimit(workers)
	var mu sync.Mutex
	for _, w := range walked {
		w := w
		g.Go(func() error {
			e, err := statEntry(w, cfg.SkipXattrs)
			if err != nil {
				return fmt.Errorf("%s: %w", w.relPath, err)
			}
			mu.Lock()
			entries[w.relPath] = e
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Phase 2 (sequential, cheap): canonicalize hardlinks in traversal
	// order, independent of phase 1's completion order.
	tracker := newHardlinkTracker()
	for _, w := range walked {
		e := entries[w.relPath]
		if e.Kind != KindRegular {
			continue
		}
		canonical, first := tracker.observe(e.dev, e.ino, w.relPath)
		if !first {
			e.Kind = KindHardlink
			e.HardlinkTarget = canonical
		}
	}

	// Phase 3 (parallel): content capture for canonical regular files only.
	var g2 errgroup.Group
	g2.SetLimit(workers)
	for _, w := range walked {
		e := entries[w.relPath]
		if e.Kind != KindRegular {
			continue
		}
		w, e := w, e
		g2.Go(func() error {
			if err := captureContents(w.fullPath, e, budget); err != nil {
				return err
			}
			metrics.Global.RecordScan(e.Size)
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	children := buildChildren(entries)

	return &Result{Entries: entries, Children: children}, nil
}

// walk enumerates every path under root (directory listing only; no stat),
// in deterministic order. godirwalk does not follow symlinks and does not
// skip hidden names, matching this package's traversal contract.
func walk(root string) ([]walkedPath, error) {
	var out []walkedPath

	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: false,
		Callback: func(fullPath string, de *godirwalk.Dirent) error {
			if fullPath == root {
				return nil
			}
			rel := filepath.Join("/", strings.TrimPrefix(fullPath, root))
			out = append(out, walkedPath{
				relPath:  rel,
				fullPath: fullPath,
				isDir:    de.IsDir(),
				isSymlnk: de.IsSymlink(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	return out, nil
}

func statEntry(w walkedPath, skipXattrs bool) (*EntryInfo, error) {
	fi, err := os.Lstat(w.fullPath)
	if err != nil {
		return nil, err
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("unsupported stat_t for %s", w.fullPath)
	}

	e := &EntryInfo{
		Mode:  uint32(fi.Mode().Perm()),
		UID:   int(st.Uid),
		GID:   int(st.Gid),
		Mtime: fi.ModTime(),
		Size:  fi.Size(),
		dev:   uint64(st.Dev),
		ino:   st.Ino,
	}

	switch {
	case w.isDir:
		e.Kind = KindDirectory
	case w.isSymlnk:
		target, err := os.Readlink(w.fullPath)
		if err != nil {
			return nil, fmt.Errorf("reading symlink target: %w", err)
		}
		e.Kind = KindSymlink
		e.SymlinkTarget = target
	case fi.Mode().IsRegular():
		e.Kind = KindRegular
	default:
		e.Kind = KindOther
	}

	if !skipXattrs && (e.Kind == KindRegular || e.Kind == KindDirectory) {
		if err := captureXattrs(w.fullPath, e); err != nil {
			return nil, fmt.Errorf("reading xattrs: %w", err)
		}
	}

	return e, nil
}

func captureXattrs(fullPath string, e *EntryInfo) error {
	names, err := xattr.LList(fullPath)
	if err != nil {
		if isUnsupportedXattrErr(err) {
			return nil
		}
		return err
	}

	for _, name := range names {
		value, err := xattr.LGet(fullPath, name)
		if err != nil {
			if isUnsupportedXattrErr(err) {
				continue
			}
			return err
		}
		if name == checksumXattrName {
			e.Checksum = string(value)
			continue
		}
		e.Xattrs = append(e.Xattrs, Xattr{Name: name, Value: value})
	}

	sort.Slice(e.Xattrs, func(i, j int) bool { return e.Xattrs[i].Name < e.Xattrs[j].Name })
	return nil
}

func isUnsupportedXattrErr(err error) bool {
	pe, ok := err.(*xattr.Error)
	if !ok {
		return false
	}
	return pe.Err == syscall.ENOTSUP || pe.Err == syscall.EOPNOTSUPP
}

// captureContents implements the three-tier content capture policy: memory
// map at or above the threshold, heap buffer if the budget allows, else a
// pure streaming checksum with nothing cached.
func captureContents(fullPath string, e *EntryInfo, budget *budgetCounter) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", fullPath, err)
	}
	defer f.Close()

	switch {
	case e.Size >= mmapThreshold:
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			return fmt.Errorf("mmap %s: %w", fullPath, err)
		}
		if e.Checksum == "" {
			e.Checksum = sha256Hex(m)
		}
		e.Contents = &mmapContents{m: m}
		return nil

	case budget.tryReserve(e.Size):
		buf, err := io.ReadAll(f)
		if err != nil {
			budget.release(e.Size)
			return fmt.Errorf("reading %s: %w", fullPath, err)
		}
		if e.Checksum == "" {
			e.Checksum = sha256Hex(buf)
		}
		e.Contents = &heapContents{b: buf, counter: budget}
		return nil

	default:
		if e.Checksum == "" {
			h := sha256.New()
			if _, err := io.Copy(h, f); err != nil {
				return fmt.Errorf("streaming checksum for %s: %w", fullPath, err)
			}
			e.Checksum = hex.EncodeToString(h.Sum(nil))
		}
		e.Contents = nil
		return nil
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func buildChildren(entries map[string]*EntryInfo) map[string][]string {
	children := make(map[string][]string)
	for p := range entries {
		dir := path.Dir(p)
		children[dir] = append(children[dir], path.Base(p))
	}
	for dir := range children {
		sort.Strings(children[dir])
	}
	return children
}
