package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"

	// Decoders for page images.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrNoPages is returned when a document has nothing to render.
var ErrNoPages = errors.New("document has no pages")

// Document is an opened source document.
type Document interface {
	PageCount() int
	// RenderPage rasterizes page i (0-based).
	RenderPage(ctx context.Context, i int) (image.Image, error)
	Close() error
}

// Renderer opens uploaded documents for rasterization.
type Renderer interface {
	Open(ctx context.Context, path string) (Document, error)
}

var pageImageExts = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".webp"}

// ImageRenderer renders pre-rasterized uploads: a single image file is a
// one-page document, a directory holds one image per page in name order.
type ImageRenderer struct{}

// Open implements Renderer.
func (ImageRenderer) Open(_ context.Context, path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if !info.IsDir() {
		return &imageDocument{pages: []string{path}}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}
	var pages []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(pageImageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			pages = append(pages, filepath.Join(path, e.Name()))
		}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPages, path)
	}
	slices.Sort(pages)
	return &imageDocument{pages: pages}, nil
}

type imageDocument struct {
	pages []string
}

func (d *imageDocument) PageCount() int { return len(d.pages) }

func (d *imageDocument) RenderPage(ctx context.Context, i int) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(d.pages) {
		return nil, fmt.Errorf("page %d out of range", i+1)
	}
	return decodeImageFile(d.pages[i])
}

func (d *imageDocument) Close() error { return nil }

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
