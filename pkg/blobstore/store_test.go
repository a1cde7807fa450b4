package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateContentAddressed(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	payload := []byte("hello, layer\n")
	desc, err := store.Create("application/vnd.oci.image.layer.v1.tar", func(w io.Writer) (string, error) {
		_, err := w.Write(payload)
		return "", err
	})
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	wantHex := hex.EncodeToString(sum[:])

	require.Equal(t, "sha256:"+wantHex, desc.Digest.String())
	require.Equal(t, int64(len(payload)), desc.Size)

	data, err := os.ReadFile(store.Path(desc.Digest))
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestCreatePrecomputedDigest(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	payload := []byte("precomputed")
	sum := sha256.Sum256(payload)
	wantHex := hex.EncodeToString(sum[:])

	desc, err := store.Create("application/octet-stream", func(w io.Writer) (string, error) {
		_, err := w.Write(payload)
		return wantHex, err
	})
	require.NoError(t, err)
	require.Equal(t, "sha256:"+wantHex, desc.Digest.String())
}

func TestCreateFromPath(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	src := filepath.Join(t.TempDir(), "input.bin")
	payload := []byte("from an external path")
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	desc, err := store.CreateFromPath(src, "application/octet-stream")
	require.NoError(t, err)

	sum := sha256.Sum256(payload)
	require.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), desc.Digest.String())
}

func TestNoPartialBlobObservableOnFailure(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Create("application/octet-stream", func(w io.Writer) (string, error) {
		w.Write([]byte("partial"))
		return "", io.ErrUnexpectedEOF
	})
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "blobs", "sha256"))
	require.NoError(t, err)
	require.Empty(t, entries)

	tmpEntries, err := os.ReadDir(filepath.Join(root, ".tmp"))
	require.NoError(t, err)
	require.Empty(t, tmpEntries)
}

func TestOpenLocksOutputDirectory(t *testing.T) {
	root := t.TempDir()
	store, err := Open(root)
	require.NoError(t, err)
	defer store.Close()

	_, err = Open(root)
	require.Error(t, err)
}
