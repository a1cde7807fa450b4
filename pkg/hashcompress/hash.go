// Package hashcompress composes streaming writers so a tar layer's
// uncompressed digest (diff_id), its compression, and its compressed
// (blob) digest are all computed in a single pass over the bytes, with
// no second read of the on-disk artifact.
package hashcompress

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/ocilayer/forge/pkg/common"
)

// HashingWriter forwards every write to an inner io.Writer while
// incrementally hashing the same bytes. It is single-threaded: callers must
// not call Write concurrently.
type HashingWriter struct {
	inner io.Writer
	h     hash.Hash
}

func NewHashingWriter(inner io.Writer) *HashingWriter {
	return &HashingWriter{inner: inner, h: sha256.New()}
}

func (w *HashingWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	if n > 0 {
		w.h.Write(p[:n])
	}
	return n, err
}

// Finish returns the wrapped writer (so the caller can continue unwinding a
// writer stack) and the lowercase hex digest of everything written so far.
func (w *HashingWriter) Finish() (io.Writer, string) {
	return w.inner, fmt.Sprintf("%x", w.h.Sum(nil))
}

// Digest is a convenience over Finish for callers that only want the digest.
func (w *HashingWriter) Digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, fmt.Sprintf("%x", w.h.Sum(nil)))
}

// SharedHashState is a mutex-guarded SHA-256 accumulator for use when a
// third-party writer (e.g. a parallel gzip encoder) takes ownership of the
// writer it's given and may call Write from a goroutine other than the one
// that constructed the stack.
type SharedHashState struct {
	mu       sync.Mutex
	h        hash.Hash
	poisoned bool
}

func NewSharedHashState() *SharedHashState {
	return &SharedHashState{h: sha256.New()}
}

func (s *SharedHashState) update(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return
	}
	s.h.Write(p)
}

// Poison marks the shared state unusable; any subsequent Sum call fails.
// Used when a writer goroutine cannot guarantee it observed every byte
// (e.g. it panicked mid-write).
func (s *SharedHashState) Poison() {
	s.mu.Lock()
	s.poisoned = true
	s.mu.Unlock()
}

func (s *SharedHashState) Sum() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return "", common.ErrSharedHashPoisoned
	}
	return fmt.Sprintf("%x", s.h.Sum(nil)), nil
}

// SharedHashWriter forwards writes to inner while updating a SharedHashState.
// Safe for concurrent use by multiple goroutines, matching the access
// pattern of parallel compression libraries that consume their writer.
type SharedHashWriter struct {
	inner io.Writer
	state *SharedHashState
}

func NewSharedHashWriter(inner io.Writer, state *SharedHashState) *SharedHashWriter {
	return &SharedHashWriter{inner: inner, state: state}
}

func (w *SharedHashWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	if n > 0 {
		w.state.update(p[:n])
	}
	if err != nil {
		w.state.Poison()
	}
	return n, err
}
