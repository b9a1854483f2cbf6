//go:build !tiledb

package bioimg

import (
	"image"

	"github.com/slide-tiles/server/internal/data/slide"
)

// Reader is a stub when built without "-tags tiledb".
type Reader struct {
	basePath string
	info     slide.Info
}

// NewReader creates a TileDB slide reader (stub). It still resolves the path
// and loads slide.json, so config issues surface early and metadata endpoints
// work, but DecodeTile returns ErrUnsupported.
func NewReader(path string) (*Reader, error) {
	basePath, err := ResolveSlidePath(path)
	if err != nil {
		return nil, err
	}
	info, err := readManifest(basePath)
	if err != nil {
		return nil, err
	}
	return &Reader{basePath: basePath, info: info}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) Info() slide.Info { return r.info }

func (r *Reader) DecodeTile(level, col, row int) (*image.RGBA, error) {
	return nil, ErrUnsupported
}

func (r *Reader) Close() error { return nil }
