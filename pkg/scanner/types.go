// Package scanner walks an upper directory tree in parallel, canonicalizes
// hardlinks, captures extended attributes and file contents up to a memory
// budget, and produces a deterministic entry table for the tar emitter.
package scanner

import "time"

type EntryKind int

const (
	KindRegular EntryKind = iota
	KindDirectory
	KindSymlink
	KindHardlink
	KindOther
)

// Xattr is one extended attribute, excluding the reserved checksum xattr.
type Xattr struct {
	Name  string
	Value []byte
}

// Contents is the optional cached body of a regular file: either a heap
// buffer or an immutable memory map. A nil Contents means the file was
// streamed during checksum computation and must be re-opened for emission.
type Contents interface {
	// Bytes returns the cached content. Valid until Close is called.
	Bytes() []byte
	// Close releases any underlying resource (e.g. unmaps a memory map).
	// Heap-backed Contents return their bytes to the prefetch budget.
	Close() error
}

// EntryInfo is the scanner's output for one discovered path.
type EntryInfo struct {
	Kind EntryKind

	Mode  uint32
	UID   int
	GID   int
	Mtime time.Time
	Size  int64

	// SymlinkTarget is set for KindSymlink.
	SymlinkTarget string
	// HardlinkTarget is the canonical path for KindHardlink, relative to
	// the scan root the same way every other path in the result is.
	HardlinkTarget string

	// Checksum is the SHA-256 hex digest of a regular file's contents,
	// preferring the user.checksum.sha256 xattr's value when present.
	// Set only for KindRegular.
	Checksum string
	// Contents is the cached body, set only for KindRegular when a cache
	// could be established within the memory/mmap thresholds.
	Contents Contents

	Xattrs []Xattr

	dev, ino uint64
}
