package hashcompress

import (
	"fmt"
	"io"

	digest "github.com/opencontainers/go-digest"

	pgzip "github.com/klauspost/pgzip"
	"github.com/klauspost/compress/zstd"

	"github.com/ocilayer/forge/pkg/common"
	"github.com/ocilayer/forge/pkg/config"
)

// Stack is a single-pass writer composition that produces both a layer's
// uncompressed digest (diff_id) and its on-disk compressed digest (blob
// digest) from one write pass over the tar stream, without a second read of
// the result. Tar bytes are written via Write; Close flushes the compressor,
// finalizes both digests, and reports the compressed size.
type Stack interface {
	io.Writer
	Close() (diffID digest.Digest, blobDigest digest.Digest, compressedSize int64, err error)
}

// New builds the writer stack for variant, writing compressed (or raw) bytes
// into out as the tar stream is written to the returned Stack.
func New(variant config.Compression, out io.Writer, level, threads int) (Stack, error) {
	switch variant {
	case config.CompressionGzip:
		return newGzipStack(out, level, threads)
	case config.CompressionZstd:
		return newZstdStack(out, level, threads)
	case config.CompressionDisabled:
		return newDisabledStack(out), nil
	default:
		return nil, common.ErrUnknownCompression
	}
}

// countingWriter tracks how many bytes have passed through it, so the final
// on-disk (compressed) size is known without a second stat of the blob —
// the blob store still stats the staged file, but the stack can report this
// independently for metrics/logging.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// diffIDWriter is the inner tap: every write is both hashed (for diff_id) and
// forwarded toward the compressor.
type diffIDWriter struct {
	*HashingWriter
}

// --- gzip ---
//
// pgzip's *Writer takes ownership of the underlying io.Writer: its Close
// flushes any still-running compression goroutines, which call Write on the
// underlying writer from outside the caller's own goroutine. The writer sitting
// under it must therefore tolerate concurrent writes, which is exactly what
// SharedHashWriter is for. This mirrors, in reverse, the read-side composition
// the teacher's OCI layout reader used to decompress-then-verify a gzip blob
// in one pass.
type gzipStack struct {
	diffID  *HashingWriter
	gz      *pgzip.Writer
	counter *countingWriter
	blob    *SharedHashWriter
	state   *SharedHashState
}

func newGzipStack(out io.Writer, level, threads int) (*gzipStack, error) {
	if threads < 1 {
		threads = 1
	}
	counter := &countingWriter{w: out}
	state := NewSharedHashState()
	blobWriter := NewSharedHashWriter(counter, state)

	gz, err := pgzip.NewWriterLevel(blobWriter, level)
	if err != nil {
		return nil, fmt.Errorf("constructing gzip writer: %w", err)
	}
	if err := gz.SetConcurrency(1<<20, threads); err != nil {
		return nil, fmt.Errorf("setting gzip concurrency: %w", err)
	}

	diffID := NewHashingWriter(gz)

	return &gzipStack{
		diffID:  diffID,
		gz:      gz,
		counter: counter,
		blob:    blobWriter,
		state:   state,
	}, nil
}

func (s *gzipStack) Write(p []byte) (int, error) {
	return s.diffID.Write(p)
}

func (s *gzipStack) Close() (digest.Digest, digest.Digest, int64, error) {
	if err := s.gz.Close(); err != nil {
		return "", "", 0, fmt.Errorf("closing gzip writer: %w", err)
	}
	_, diffHex := s.diffID.Finish()
	blobHex, err := s.state.Sum()
	if err != nil {
		return "", "", 0, err
	}
	return digest.NewDigestFromEncoded(digest.SHA256, diffHex),
		digest.NewDigestFromEncoded(digest.SHA256, blobHex),
		s.counter.n, nil
}

// --- zstd ---
//
// klauspost/compress/zstd spreads block compression across WithEncoderConcurrency
// goroutines internally, but serializes its writes to the underlying io.Writer
// through its own flush loop, so a plain (non-shared) HashingWriter is safe
// underneath it.
type zstdStack struct {
	diffID  *HashingWriter
	enc     *zstd.Encoder
	counter *countingWriter
	blob    *HashingWriter
}

// zstdLevel maps the manifest's small integer compression level onto the
// library's named speed/ratio tiers.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level == 2:
		return zstd.SpeedDefault
	case level == 3:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

func newZstdStack(out io.Writer, level, threads int) (*zstdStack, error) {
	if threads < 1 {
		threads = 1
	}
	counter := &countingWriter{w: out}
	blobWriter := NewHashingWriter(counter)

	enc, err := zstd.NewWriter(
		blobWriter,
		zstd.WithEncoderLevel(zstdLevel(level)),
		zstd.WithEncoderConcurrency(threads),
	)
	if err != nil {
		return nil, fmt.Errorf("constructing zstd writer: %w", err)
	}

	diffID := NewHashingWriter(enc)

	return &zstdStack{
		diffID:  diffID,
		enc:     enc,
		counter: counter,
		blob:    blobWriter,
	}, nil
}

func (s *zstdStack) Write(p []byte) (int, error) {
	return s.diffID.Write(p)
}

func (s *zstdStack) Close() (digest.Digest, digest.Digest, int64, error) {
	if err := s.enc.Close(); err != nil {
		return "", "", 0, fmt.Errorf("closing zstd writer: %w", err)
	}
	_, diffHex := s.diffID.Finish()
	_, blobHex := s.blob.Finish()
	return digest.NewDigestFromEncoded(digest.SHA256, diffHex),
		digest.NewDigestFromEncoded(digest.SHA256, blobHex),
		s.counter.n, nil
}

// --- disabled ---
//
// With compression off, diff_id and blob digest are the same hash of the
// same bytes: a single HashingWriter serves both roles.
type disabledStack struct {
	w       *HashingWriter
	counter *countingWriter
}

func newDisabledStack(out io.Writer) *disabledStack {
	counter := &countingWriter{w: out}
	return &disabledStack{w: NewHashingWriter(counter), counter: counter}
}

func (s *disabledStack) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *disabledStack) Close() (digest.Digest, digest.Digest, int64, error) {
	_, hex := s.w.Finish()
	d := digest.NewDigestFromEncoded(digest.SHA256, hex)
	return d, d, s.counter.n, nil
}
