// Package assets resolves named asset files to raw bytes from a directory
// on the local filesystem.
package assets

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	// Register decoders for the formats scene backgrounds ship in.
	_ "image/jpeg"
	_ "image/png"
)

// ErrAssetNotFound is returned when a named asset does not exist.
var ErrAssetNotFound = errors.New("asset not found")

// Store loads assets by name relative to a root directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at the given directory.
//
// Precondition: dir must be non-empty.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// LoadBytes reads the raw bytes of the asset with the given relative name.
// Names resolving outside the store's root directory are rejected.
//
// Postcondition: Returns the file contents, ErrAssetNotFound if the file
// does not exist, or another error for unreadable files.
func (s *Store) LoadBytes(relativeName string) ([]byte, error) {
	path := filepath.Join(s.dir, filepath.Clean("/"+relativeName))
	if !strings.HasPrefix(path, filepath.Clean(s.dir)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("asset %q: %w", relativeName, ErrAssetNotFound)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("asset %q: %w", relativeName, ErrAssetNotFound)
		}
		return nil, fmt.Errorf("reading asset %q: %w", relativeName, err)
	}
	return data, nil
}

// ImageSize returns the pixel dimensions of an encoded image without
// decoding its pixels.
func ImageSize(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decoding image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
