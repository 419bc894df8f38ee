package assets_test

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvtt/vttserver/internal/storage/assets"
)

func writeAsset(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func TestStore_LoadBytes(t *testing.T) {
	dir := t.TempDir()
	writeAsset(t, dir, "backgrounds/cave.png", []byte("png bytes"))

	store := assets.NewStore(dir)
	data, err := store.LoadBytes("backgrounds/cave.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), data)
}

func TestStore_LoadBytesMissing(t *testing.T) {
	store := assets.NewStore(t.TempDir())

	_, err := store.LoadBytes("no-such-file.png")
	assert.ErrorIs(t, err, assets.ErrAssetNotFound)
}

func TestStore_LoadBytesRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	// A secret outside the store root must stay unreachable.
	secret := filepath.Join(filepath.Dir(dir), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("hidden"), 0o644))
	t.Cleanup(func() { os.Remove(secret) })

	store := assets.NewStore(dir)
	for _, name := range []string{
		"../secret.txt",
		"maps/../../secret.txt",
		"/../secret.txt",
	} {
		_, err := store.LoadBytes(name)
		assert.Error(t, err, "name %q must not escape the store root", name)
	}
}

func TestImageSize(t *testing.T) {
	width, height, err := assets.ImageSize(encodePNG(t, 40, 25))
	require.NoError(t, err)
	assert.Equal(t, 40, width)
	assert.Equal(t, 25, height)
}

func TestImageSizeNotAnImage(t *testing.T) {
	_, _, err := assets.ImageSize([]byte("plain text"))
	assert.Error(t, err)
}
