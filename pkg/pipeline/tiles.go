package pipeline

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/image/draw"
)

// Asset defaults.
const (
	DefaultMaxZoom   = 6
	DefaultTileSize  = 256
	TileQuality      = 80
	FullPageQuality  = 90
	ThumbnailQuality = 85
	ThumbnailMaxSide = 256
)

// TileOptions controls pyramid generation.
type TileOptions struct {
	MaxZoom  int
	TileSize int
}

func (o TileOptions) withDefaults() TileOptions {
	if o.MaxZoom < 0 {
		o.MaxZoom = DefaultMaxZoom
	}
	if o.TileSize <= 0 {
		o.TileSize = DefaultTileSize
	}
	return o
}

// GenerateTiles writes a tile pyramid for img under dir as
// <z>/<col>/<row>.jpg for z in 0..MaxZoom. Level MaxZoom is full size and
// every level below halves it. It returns the number of tiles written.
func GenerateTiles(img image.Image, dir string, opts TileOptions) (int, error) {
	opts = opts.withDefaults()
	bounds := img.Bounds()
	written := 0

	for z := 0; z <= opts.MaxZoom; z++ {
		scale := 1 / float64(int(1)<<(opts.MaxZoom-z))
		w := max(1, int(float64(bounds.Dx())*scale))
		h := max(1, int(float64(bounds.Dy())*scale))
		level := img
		if w != bounds.Dx() || h != bounds.Dy() {
			level = resize(img, w, h)
		}

		cols := (w + opts.TileSize - 1) / opts.TileSize
		rows := (h + opts.TileSize - 1) / opts.TileSize
		for col := range cols {
			colDir := filepath.Join(dir, strconv.Itoa(z), strconv.Itoa(col))
			if err := os.MkdirAll(colDir, 0o755); err != nil {
				return written, fmt.Errorf("failed to create tile dir: %w", err)
			}
			for row := range rows {
				rect := image.Rect(col*opts.TileSize, row*opts.TileSize,
					min((col+1)*opts.TileSize, w), min((row+1)*opts.TileSize, h))
				tile := crop(level, rect.Add(level.Bounds().Min))
				path := filepath.Join(colDir, strconv.Itoa(row)+".jpg")
				if err := WriteJPEG(path, tile, TileQuality); err != nil {
					return written, err
				}
				written++
			}
		}
	}
	return written, nil
}

// Thumbnail scales img to fit in maxSide x maxSide, keeping aspect ratio.
// Images already small enough are returned unchanged.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		return img
	}
	ratio := min(float64(maxSide)/float64(b.Dx()), float64(maxSide)/float64(b.Dy()))
	return resize(img, max(1, int(float64(b.Dx())*ratio)), max(1, int(float64(b.Dy())*ratio)))
}

// Crop returns the part of img inside rect, clamped to the image bounds.
func Crop(img image.Image, rect image.Rectangle) image.Image {
	return crop(img, rect.Intersect(img.Bounds()))
}

func crop(img image.Image, rect image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

func resize(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// WriteJPEG encodes img to path, creating parent directories.
func WriteJPEG(path string, img image.Image, quality int) error {
	return writeImage(path, func(f *bufio.Writer) error {
		return jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	})
}

// WritePNG encodes img to path, creating parent directories.
func WritePNG(path string, img image.Image) error {
	return writeImage(path, func(f *bufio.Writer) error {
		return png.Encode(f, img)
	})
}

func writeImage(path string, encode func(*bufio.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := encode(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
