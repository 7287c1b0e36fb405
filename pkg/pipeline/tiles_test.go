package pipeline

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTiles(t *testing.T) {
	dir := t.TempDir()
	img := testImage(600, 300)

	n, err := GenerateTiles(img, dir, TileOptions{MaxZoom: 2, TileSize: 256})
	require.NoError(t, err)
	// z0 150x75: 1 tile, z1 300x150: 2x1, z2 600x300: 3x2
	assert.Equal(t, 9, n)

	for _, rel := range []string{"0/0/0.jpg", "1/1/0.jpg", "2/2/1.jpg"} {
		assert.FileExists(t, filepath.Join(dir, rel))
	}
	assert.NoFileExists(t, filepath.Join(dir, "1/0/1.jpg"))

	edge := decodeFile(t, filepath.Join(dir, "2/2/1.jpg"))
	assert.Equal(t, 600-512, edge.Bounds().Dx())
	assert.Equal(t, 300-256, edge.Bounds().Dy())
}

func TestGenerateTiles_Defaults(t *testing.T) {
	dir := t.TempDir()
	n, err := GenerateTiles(testImage(100, 100), dir, TileOptions{MaxZoom: -1})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxZoom+1, n)
	assert.FileExists(t, filepath.Join(dir, "6/0/0.jpg"))
}

func TestThumbnail(t *testing.T) {
	thumb := Thumbnail(testImage(1000, 500), 256)
	assert.Equal(t, image.Pt(256, 128), thumb.Bounds().Size())

	small := testImage(100, 50)
	assert.Same(t, small, Thumbnail(small, 256))
}

func TestCrop(t *testing.T) {
	img := testImage(100, 80)
	out := Crop(img, image.Rect(90, 70, 150, 150))
	assert.Equal(t, image.Pt(10, 10), out.Bounds().Size())
	assert.Equal(t, img.At(90, 70), out.At(0, 0))
}

func TestRegionBounds(t *testing.T) {
	r := Region{RectPoints: [][2]float64{{10, 40}, {30.5, 20}, {12, 35}}, DPI: 50}
	assert.Equal(t, image.Rect(20, 40, 61, 80), r.Bounds(100))

	r.DPI = 0
	assert.Equal(t, image.Rect(10, 20, 31, 40), r.Bounds(100))

	assert.True(t, Region{}.Bounds(100).Empty())
	assert.True(t, Region{RectPoints: [][2]float64{{5, 5}, {5, 9}}}.Bounds(100).Empty())
}

func TestImageRenderer(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, WritePNG(filepath.Join(dir, "b.png"), testImage(20, 10)))
	require.NoError(t, WriteJPEG(filepath.Join(dir, "a.jpg"), testImage(40, 30), 90))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	t.Run("directory pages in name order", func(t *testing.T) {
		doc, err := ImageRenderer{}.Open(ctx, dir)
		require.NoError(t, err)
		defer doc.Close()
		require.Equal(t, 2, doc.PageCount())

		first, err := doc.RenderPage(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, image.Pt(40, 30), first.Bounds().Size())

		_, err = doc.RenderPage(ctx, 2)
		assert.Error(t, err)
	})

	t.Run("single file", func(t *testing.T) {
		doc, err := ImageRenderer{}.Open(ctx, filepath.Join(dir, "b.png"))
		require.NoError(t, err)
		assert.Equal(t, 1, doc.PageCount())
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := ImageRenderer{}.Open(ctx, t.TempDir())
		assert.ErrorIs(t, err, ErrNoPages)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := ImageRenderer{}.Open(ctx, filepath.Join(dir, "nope"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func decodeFile(t *testing.T, path string) image.Image {
	t.Helper()
	img, err := decodeImageFile(path)
	require.NoError(t, err)
	return img
}
