// Package slide defines the decode primitive the tile manager consumes: a
// handle that reports pyramid geometry and produces pixel data for one tile
// at a time. Concrete readers live in sibling packages (pyramid, bioimg,
// synth); the manager treats them all as black boxes.
package slide

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/slide-tiles/server/internal/tile"
)

// Level describes one pyramid level of a slide.
type Level struct {
	Width      int64   `json:"width"`
	Height     int64   `json:"height"`
	Downsample float64 `json:"downsample"`
}

// Info is the immutable metadata of an open slide.
type Info struct {
	Name           string  `json:"name"`
	Path           string  `json:"path,omitempty"`
	TileSize       int     `json:"tile_size"`
	Levels         []Level `json:"levels"`
	MPP            float64 `json:"mpp,omitempty"` // microns per pixel at level 0
	Vendor         string  `json:"vendor,omitempty"`
	ObjectivePower float64 `json:"objective_power,omitempty"`
	Background     string  `json:"background,omitempty"` // hex triplet, e.g. "#F7F5F2"
}

// LevelCount returns the number of pyramid levels.
func (i Info) LevelCount() int { return len(i.Levels) }

// BackgroundColor parses the slide's background hex triplet. Absent or
// malformed values fall back to white, the scanner convention for glass.
func (i Info) BackgroundColor() color.RGBA {
	var r, g, b uint8
	if len(i.Background) == 7 && i.Background[0] == '#' {
		if _, err := fmt.Sscanf(i.Background, "#%02x%02x%02x", &r, &g, &b); err == nil {
			return color.RGBA{R: r, G: g, B: b, A: 0xFF}
		}
	}
	return color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
}

// MPPAt returns the microns-per-pixel at a given level, or 0 when the slide
// carries no physical calibration.
func (i Info) MPPAt(level int) float64 {
	if i.MPP <= 0 || level < 0 || level >= len(i.Levels) {
		return 0
	}
	return i.MPP * i.Levels[level].Downsample
}

// Pyramid builds the tile-grid pyramid for this slide.
func (i Info) Pyramid() tile.Pyramid {
	grids := make([]tile.Grid, len(i.Levels))
	for idx, l := range i.Levels {
		grids[idx] = tile.Grid{
			Width:      l.Width,
			Height:     l.Height,
			Downsample: l.Downsample,
			TileSize:   i.TileSize,
		}
	}
	return tile.NewPyramid(grids)
}

// Source is an open slide. DecodeTile returns the pixel data for one tile in
// level-local coordinates; edge tiles may be smaller than the tile size.
// Implementations must either be safe for concurrent DecodeTile calls or be
// wrapped with Serialize before they are shared with the worker pool.
type Source interface {
	Info() Info
	DecodeTile(level, col, row int) (*image.RGBA, error)
	Close() error
}

// Serialize wraps a Source whose decoder is not safe for concurrent use,
// funneling all decode calls through a single critical section. Metadata
// reads stay lock-free (Info is immutable).
func Serialize(src Source) Source {
	return &serialized{src: src}
}

type serialized struct {
	mu  sync.Mutex
	src Source
}

func (s *serialized) Info() Info { return s.src.Info() }

func (s *serialized) DecodeTile(level, col, row int) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.DecodeTile(level, col, row)
}

func (s *serialized) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Close()
}
