package common

import "errors"

var (
	// ErrNoParentManifest is returned when a parent image reference resolves
	// to an index with no manifest at the requested position.
	ErrNoParentManifest = errors.New("no manifest found at requested index")
	// ErrWhiteoutConflict is returned when one lower layer both carries an
	// entry at a path and a file whiteout removing that same path.
	ErrWhiteoutConflict = errors.New("conflicting whiteout entries")
	// ErrDigestMismatch is returned when a finalized blob does not match what
	// the caller reported for it; the blob store checks the reported size.
	ErrDigestMismatch = errors.New("blob digest mismatch")
	// ErrSharedHashPoisoned is returned when a SharedHashWriter's lock was
	// abandoned mid-write by a panicking goroutine.
	ErrSharedHashPoisoned = errors.New("shared hash state poisoned")
	// ErrUnknownCompression is returned for a compression value outside
	// {gzip, zstd, disabled}.
	ErrUnknownCompression = errors.New("unknown compression variant")
	// ErrLayoutNotFound is returned when a parent image path does not look
	// like an OCI image layout (missing index.json or oci-layout marker).
	ErrLayoutNotFound = errors.New("not an OCI image layout")
)
