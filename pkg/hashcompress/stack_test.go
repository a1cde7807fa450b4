package hashcompress

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"

	"github.com/ocilayer/forge/pkg/common"
	"github.com/ocilayer/forge/pkg/config"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

func TestDisabledStackDiffIDEqualsBlobDigest(t *testing.T) {
	payload := []byte("a tar stream, pretend")
	var out bytes.Buffer

	stack, err := New(config.CompressionDisabled, &out, 0, 1)
	require.NoError(t, err)

	_, err = stack.Write(payload)
	require.NoError(t, err)

	diffID, blobDigest, size, err := stack.Close()
	require.NoError(t, err)

	require.Equal(t, diffID, blobDigest)
	require.Equal(t, "sha256:"+sha256Hex(payload), diffID.String())
	require.Equal(t, int64(len(payload)), size)
	require.Equal(t, payload, out.Bytes())
}

func TestGzipStackDiffIDIsUncompressedBlobDigestIsCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 200)
	var out bytes.Buffer

	stack, err := New(config.CompressionGzip, &out, 5, 2)
	require.NoError(t, err)

	_, err = stack.Write(payload)
	require.NoError(t, err)

	diffID, blobDigest, size, err := stack.Close()
	require.NoError(t, err)

	require.Equal(t, "sha256:"+sha256Hex(payload), diffID.String())
	require.NotEqual(t, diffID, blobDigest)
	require.Equal(t, int64(out.Len()), size)

	gr, err := pgzip.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.Equal(t, payload, decompressed)
	require.Equal(t, "sha256:"+sha256Hex(out.Bytes()), blobDigest.String())
}

func TestZstdStackDiffIDIsUncompressedBlobDigestIsCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("reproducible layer content\n"), 500)
	var out bytes.Buffer

	stack, err := New(config.CompressionZstd, &out, 1, 2)
	require.NoError(t, err)

	_, err = stack.Write(payload)
	require.NoError(t, err)

	diffID, blobDigest, size, err := stack.Close()
	require.NoError(t, err)

	require.Equal(t, "sha256:"+sha256Hex(payload), diffID.String())
	require.NotEqual(t, diffID, blobDigest)
	require.Equal(t, int64(out.Len()), size)

	dec, err := zstd.NewReader(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	defer dec.Close()
	decompressed, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, payload, decompressed)
	require.Equal(t, "sha256:"+sha256Hex(out.Bytes()), blobDigest.String())
}

func TestUnknownCompressionVariantRejected(t *testing.T) {
	var out bytes.Buffer
	_, err := New(config.Compression("lz4"), &out, 0, 1)
	require.Error(t, err)
}

func TestSharedHashStatePoisonedAfterWriteError(t *testing.T) {
	state := NewSharedHashState()
	w := NewSharedHashWriter(failingWriter{}, state)

	_, err := w.Write([]byte("won't make it"))
	require.Error(t, err)

	_, err = state.Sum()
	require.ErrorIs(t, err, common.ErrSharedHashPoisoned)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}
