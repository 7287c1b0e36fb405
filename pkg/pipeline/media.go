package pipeline

import (
	"fmt"
	"path/filepath"
)

// Media lays out derived assets under a root directory. Paths returned
// without the Abs prefix are relative to the root and are what gets
// stored on records.
type Media struct {
	Root string
}

// Abs resolves a stored relative path. Absolute paths are returned as is.
func (m Media) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(m.Root, rel)
}

// PageImage is the rendered source image of a page.
func (Media) PageImage(workspaceID int64, page int) string {
	return filepath.Join("pages", workspaceDir(workspaceID), fmt.Sprintf("page_%d.png", page))
}

// TileDir is the root of a page's tile pyramid.
func (Media) TileDir(workspaceID int64, page int) string {
	return filepath.Join("tiles", workspaceDir(workspaceID), fmt.Sprintf("page_%d", page))
}

// FullPage is the full-size JPEG of a page.
func (Media) FullPage(workspaceID int64, page int) string {
	return filepath.Join("fullpages", workspaceDir(workspaceID), fmt.Sprintf("page_%d.jpg", page))
}

// Thumbnail is the small preview of a page.
func (Media) Thumbnail(workspaceID int64, page int) string {
	return filepath.Join("thumbnails", workspaceDir(workspaceID), fmt.Sprintf("page_%d.jpg", page))
}

func workspaceDir(id int64) string {
	return fmt.Sprintf("workspace_%d", id)
}
