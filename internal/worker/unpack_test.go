package worker

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeArchive writes a tar holding files, gzip-compressed when compress
// is set.
func writeArchive(t *testing.T, path string, compress bool, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		w = gz
	}
	tw := tar.NewWriter(w)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "scene/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	if gz != nil {
		require.NoError(t, gz.Close())
	}
}

func TestUnpack_PlainAndCompressed(t *testing.T) {
	root := t.TempDir()
	archives := t.TempDir()
	u := NewUnpacker(zaptest.NewLogger(t), root, 3)
	ctx := context.Background()

	plain := filepath.Join(archives, "a.tar")
	writeArchive(t, plain, false, map[string]string{"A_toa_band1.tif": "a1", "scene/A_pixel_qa.tif": "qa"})
	dir, err := u.Unpack(ctx, "A", plain)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "A"), dir)

	data, err := os.ReadFile(filepath.Join(dir, "A_pixel_qa.tif"))
	require.NoError(t, err)
	assert.Equal(t, "qa", string(data))

	compressed := filepath.Join(archives, "b.tar.gz")
	writeArchive(t, compressed, true, map[string]string{"B_toa_band1.tif": "b1"})
	dir, err = u.Unpack(ctx, "B", compressed)
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "B_toa_band1.tif"))
	require.NoError(t, err)
	assert.Equal(t, "b1", string(data))

	_, err = os.Stat(filepath.Join(root, "B.partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnpack_WorkingSet(t *testing.T) {
	root := t.TempDir()
	archives := t.TempDir()
	u := NewUnpacker(zaptest.NewLogger(t), root, 3)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C"} {
		path := filepath.Join(archives, id+".tar")
		writeArchive(t, path, false, map[string]string{id + "_toa_band1.tif": id})
		_, err := u.Unpack(ctx, id, path)
		require.NoError(t, err)
	}

	// Reuse marks A as most recent.
	_, err := u.Unpack(ctx, "A", filepath.Join(archives, "A.tar"))
	require.NoError(t, err)

	path := filepath.Join(archives, "D.tar")
	writeArchive(t, path, false, map[string]string{"D_toa_band1.tif": "D"})
	_, err = u.Unpack(ctx, "D", path)
	require.NoError(t, err)

	assert.Equal(t, []string{"C", "A", "D"}, u.Retained())
	_, err = os.Stat(filepath.Join(root, "B"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, u.Close())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnpack_BadArchive(t *testing.T) {
	root := t.TempDir()
	bad := filepath.Join(t.TempDir(), "bad.tar.gz")
	require.NoError(t, os.WriteFile(bad, []byte{0x1f, 0x8b, 0, 1, 2}, 0o644))

	u := NewUnpacker(zaptest.NewLogger(t), root, 3)
	_, err := u.Unpack(context.Background(), "X", bad)
	require.Error(t, err)
	assert.True(t, Error.Has(err))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = u.Unpack(context.Background(), "Y", filepath.Join(root, "missing.tar"))
	assert.Error(t, err)
}
