// Package pyramid reads the chunked on-disk pyramid format: a slide.json
// manifest next to one directory per level holding zstd-compressed raw RGBA
// tiles.
//
// Layout:
//
//	<base>/slide.json
//	<base>/level_<i>/<col>_<row>.zst
//
// Each chunk decompresses to exactly w*h*4 bytes, row-major RGBA, where w,h
// are the tile dimensions clipped to the level bounds. A chunk missing on
// disk is an all-background tile (slides are mostly empty glass, so writers
// drop blank tiles).
package pyramid

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/tile"
)

// Meta is the slide.json manifest.
type Meta struct {
	FormatVersion  string        `json:"format_version"`
	Name           string        `json:"name"`
	TileSize       int           `json:"tile_size"`
	MPP            float64       `json:"mpp"`
	Vendor         string        `json:"vendor"`
	ObjectivePower float64       `json:"objective_power"`
	Background     string        `json:"background"`
	Levels         []slide.Level `json:"levels"`
}

// Reader provides tile access to one pyramid store. Safe for concurrent
// DecodeTile calls: the shared zstd decoder's DecodeAll is concurrency-safe
// and all other state is immutable after open.
type Reader struct {
	basePath string
	info     slide.Info
	pyr      tile.Pyramid
	bg       color.RGBA
	decoder  *zstd.Decoder
}

// NewReader opens a pyramid store.
func NewReader(basePath string) (*Reader, error) {
	data, err := os.ReadFile(filepath.Join(basePath, "slide.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read slide.json: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse slide.json: %w", err)
	}
	if len(meta.Levels) == 0 {
		return nil, fmt.Errorf("slide.json lists no levels")
	}
	if meta.TileSize <= 0 {
		return nil, fmt.Errorf("slide.json has invalid tile_size: %d", meta.TileSize)
	}
	for i, l := range meta.Levels {
		if l.Width <= 0 || l.Height <= 0 || l.Downsample <= 0 {
			return nil, fmt.Errorf("slide.json level %d is invalid: %+v", i, l)
		}
	}

	bg := color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	if meta.Background != "" {
		bg, err = parseHexColor(meta.Background)
		if err != nil {
			return nil, fmt.Errorf("slide.json background: %w", err)
		}
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	name := meta.Name
	if name == "" {
		name = filepath.Base(filepath.Clean(basePath))
	}
	info := slide.Info{
		Name:           name,
		Path:           basePath,
		TileSize:       meta.TileSize,
		Levels:         meta.Levels,
		MPP:            meta.MPP,
		Vendor:         meta.Vendor,
		ObjectivePower: meta.ObjectivePower,
		Background:     meta.Background,
	}

	return &Reader{
		basePath: basePath,
		info:     info,
		pyr:      info.Pyramid(),
		bg:       bg,
		decoder:  decoder,
	}, nil
}

func (r *Reader) Info() slide.Info { return r.info }

// DecodeTile reads and decompresses one tile. Missing chunks decode to the
// manifest's background color.
func (r *Reader) DecodeTile(level, col, row int) (*image.RGBA, error) {
	region, err := r.pyr.TileRegion(tile.Key{Level: level, Col: col, Row: row})
	if err != nil {
		return nil, err
	}
	w, h := int(region.W), int(region.H)

	chunkPath := filepath.Join(r.basePath, fmt.Sprintf("level_%d", level), fmt.Sprintf("%d_%d.zst", col, row))
	compressed, err := os.ReadFile(chunkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return r.backgroundTile(w, h), nil
		}
		return nil, fmt.Errorf("failed to read chunk %d/%d/%d: %w", level, col, row, err)
	}

	raw, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed for chunk %d/%d/%d: %w", level, col, row, err)
	}
	if len(raw) != w*h*4 {
		return nil, fmt.Errorf("chunk %d/%d/%d has %d bytes, expected %d (%dx%d RGBA)",
			level, col, row, len(raw), w*h*4, w, h)
	}

	return &image.RGBA{
		Pix:    raw,
		Stride: w * 4,
		Rect:   image.Rect(0, 0, w, h),
	}, nil
}

// Close releases the decoder.
func (r *Reader) Close() error {
	if r.decoder != nil {
		r.decoder.Close()
	}
	return nil
}

func (r *Reader) backgroundTile(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if r.bg == (color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}) {
		for i := range img.Pix {
			img.Pix[i] = 0xFF
		}
		return img
	}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = r.bg.R
		img.Pix[i+1] = r.bg.G
		img.Pix[i+2] = r.bg.B
		img.Pix[i+3] = r.bg.A
	}
	return img
}

func parseHexColor(s string) (color.RGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	return color.RGBA{R: r, G: g, B: b, A: 0xFF}, nil
}
