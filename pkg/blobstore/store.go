// Package blobstore persists content-addressed blobs under
// blobs/sha256/<hex> inside an OCI image layout directory.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocilayer/forge/pkg/common"
	"github.com/ocilayer/forge/pkg/metrics"
)

// Store writes blobs under <root>/blobs/sha256/<hex>, staging through
// <root>/.tmp so the final publish is a same-filesystem atomic rename.
type Store struct {
	root   string
	tmpDir string
	lock   *flock.Flock
	dryRun bool
}

// SetDryRun toggles whether Create publishes blobs. In dry-run mode every
// blob is staged, hashed, and sized as normal, but never renamed into
// blobs/sha256/ — callers get a correct descriptor without the output
// directory being mutated.
func (s *Store) SetDryRun(dryRun bool) {
	s.dryRun = dryRun
}

// Open prepares root (and its blobs/.tmp subdirectories) for writing and
// takes an exclusive advisory lock on it for the lifetime of the build, so
// two concurrent invocations never race on the same layout.
func Open(root string) (*Store, error) {
	blobsDir := filepath.Join(root, "blobs", "sha256")
	tmpDir := filepath.Join(root, ".tmp")

	for _, dir := range []string{blobsDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	lockPath := filepath.Join(root, ".lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking output directory %s: %w", root, err)
	}
	if !locked {
		return nil, fmt.Errorf("output directory %s is locked by another build", root)
	}

	return &Store{root: root, tmpDir: tmpDir, lock: lock}, nil
}

// Close releases the output directory lock. It does not touch any blobs.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

func (s *Store) blobPath(hex string) string {
	return filepath.Join(s.root, "blobs", "sha256", hex)
}

func (s *Store) stagingFile() (*os.File, error) {
	name := filepath.Join(s.tmpDir, uuid.NewString())
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
}

// WriteFunc writes a blob's bytes into w. It may return a pre-computed lower-
// case hex SHA-256 digest of everything it wrote, in which case Create skips
// re-hashing the staged file; returning "" asks Create to hash the staged
// file itself.
type WriteFunc func(w io.Writer) (hexDigest string, err error)

// Create stages a blob via fn, finalizes its digest, and atomically publishes
// it to blobs/sha256/<hex>. The returned descriptor's Size is always the
// final on-disk size. Digest is the digest fn returned when it returned one
// (taken as given, not re-checked), else the hash of the staged bytes.
func (s *Store) Create(mediaType string, fn WriteFunc) (ispec.Descriptor, error) {
	staging, err := s.stagingFile()
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("staging blob: %w", err)
	}
	stagingPath := staging.Name()
	defer func() {
		staging.Close()
		os.Remove(stagingPath)
	}()

	hexDigest, err := fn(staging)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("writing blob: %w", err)
	}

	if hexDigest == "" {
		if _, err := staging.Seek(0, io.SeekStart); err != nil {
			return ispec.Descriptor{}, fmt.Errorf("rewinding staged blob: %w", err)
		}
		h := sha256.New()
		if _, err := io.Copy(h, staging); err != nil {
			return ispec.Descriptor{}, fmt.Errorf("hashing staged blob: %w", err)
		}
		hexDigest = hex.EncodeToString(h.Sum(nil))
	}

	return s.finalize(staging, stagingPath, hexDigest, mediaType)
}

// CreateFromTempWithDigest zero-copy-publishes a temp file the caller already
// wrote and hashed, without an intervening copy.
func (s *Store) CreateFromTempWithDigest(temp *os.File, size int64, hexDigest string, mediaType string) (ispec.Descriptor, error) {
	desc, err := s.finalize(temp, temp.Name(), hexDigest, mediaType)
	if err != nil {
		return ispec.Descriptor{}, err
	}
	if desc.Size != size {
		return ispec.Descriptor{}, fmt.Errorf("%w: caller reported size %d, on-disk size %d", common.ErrDigestMismatch, size, desc.Size)
	}
	return desc, nil
}

// CreateFromPath copies and hashes an external file into the store.
func (s *Store) CreateFromPath(path string, mediaType string) (ispec.Descriptor, error) {
	src, err := os.Open(path)
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	return s.Create(mediaType, func(w io.Writer) (string, error) {
		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(w, h), src); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	})
}

// finalize stats the staged file and renames it into place under hexDigest,
// which it takes as given (computed during the write pass, or by Create's
// fallback path); it does not re-hash the file. The rename is the only
// action that makes a blob addressable.
func (s *Store) finalize(staging *os.File, stagingPath, hexDigest, mediaType string) (ispec.Descriptor, error) {
	if err := staging.Sync(); err != nil {
		return ispec.Descriptor{}, fmt.Errorf("syncing staged blob: %w", err)
	}

	info, err := staging.Stat()
	if err != nil {
		return ispec.Descriptor{}, fmt.Errorf("stat staged blob: %w", err)
	}
	staging.Close()

	if s.dryRun {
		os.Remove(stagingPath)
	} else {
		dest := s.blobPath(hexDigest)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return ispec.Descriptor{}, fmt.Errorf("creating blob directory: %w", err)
		}
		if err := os.Rename(stagingPath, dest); err != nil {
			return ispec.Descriptor{}, fmt.Errorf("persist blob %s: %w", hexDigest, err)
		}
	}

	metrics.Global.RecordBlobWritten(info.Size())

	return ispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.NewDigestFromEncoded(digest.SHA256, hexDigest),
		Size:      info.Size(),
	}, nil
}

// Path returns the on-disk path of an already-published blob.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.root, "blobs", d.Algorithm().String(), d.Encoded())
}

// Root returns the layout root directory this store writes into.
func (s *Store) Root() string { return s.root }
