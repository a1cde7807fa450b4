package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocilayer/forge/pkg/config"
)

func TestScanBasicTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "x"), []byte("hello"), 0o644))
	require.NoError(t, os.Symlink("x", filepath.Join(root, "a", "link")))

	cfg := config.Defaults()
	res, err := Scan(root, cfg, 4)
	require.NoError(t, err)

	require.Contains(t, res.Entries, "/a")
	require.Equal(t, KindDirectory, res.Entries["/a"].Kind)

	require.Contains(t, res.Entries, "/a/x")
	require.Equal(t, KindRegular, res.Entries["/a/x"].Kind)
	require.NotEmpty(t, res.Entries["/a/x"].Checksum)

	require.Contains(t, res.Entries, "/a/link")
	require.Equal(t, KindSymlink, res.Entries["/a/link"].Kind)
	require.Equal(t, "x", res.Entries["/a/link"].SymlinkTarget)

	require.Equal(t, []string{"link", "x"}, res.Children["/a"])
	require.NotContains(t, res.Entries, "/")
}

// S5 (hardlink): two paths sharing the same (device, inode) must produce one
// canonical Regular entry and one Hardlink entry pointing at it.
func TestScanCanonicalizesHardlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("shared"), 0o644))
	require.NoError(t, os.Link(filepath.Join(root, "a"), filepath.Join(root, "b")))

	cfg := config.Defaults()
	res, err := Scan(root, cfg, 4)
	require.NoError(t, err)

	a := res.Entries["/a"]
	b := res.Entries["/b"]
	require.NotNil(t, a)
	require.NotNil(t, b)

	kinds := map[EntryKind]int{}
	kinds[a.Kind]++
	kinds[b.Kind]++
	require.Equal(t, 1, kinds[KindRegular])
	require.Equal(t, 1, kinds[KindHardlink])

	var canonical, link *EntryInfo
	if a.Kind == KindRegular {
		canonical, link = a, b
	} else {
		canonical, link = b, a
	}
	require.Contains(t, []string{"/a", "/b"}, link.HardlinkTarget)
	_ = canonical
}

func TestScanRespectsPrefetchBudget(t *testing.T) {
	root := t.TempDir()
	payload := make([]byte, 1024)
	require.NoError(t, os.WriteFile(filepath.Join(root, "small"), payload, 0o644))

	cfg := config.Defaults()
	cfg.PrefetchBudgetBytes = 0

	res, err := Scan(root, cfg, 1)
	require.NoError(t, err)

	e := res.Entries["/small"]
	require.NotEmpty(t, e.Checksum)
	require.Nil(t, e.Contents)
}
