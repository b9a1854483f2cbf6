// Package synth provides a procedural slide source used by the demo config
// and by tests that need a multi-level slide without fixture data. Tissue is
// generated from a deterministic blob lattice anchored in slide coordinates,
// so the same structures appear at every level and a given tile always
// decodes to identical pixels.
package synth

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/rand"

	"github.com/fogleman/gg"

	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/tile"
)

// Blob lattice parameters, all in level-0 pixels.
const (
	cellSize      = 2048
	maxBlobRadius = 800.0
	nucleusRadius = 14.0
)

// Config describes the synthetic slide to generate.
type Config struct {
	Name     string
	Width    int64 // level-0 width
	Height   int64 // level-0 height
	Levels   int   // pyramid depth, downsample 4^i
	TileSize int
	Seed     int64
}

// Slide is a procedural slide source. Safe for concurrent DecodeTile calls:
// each call builds its own drawing context.
type Slide struct {
	info slide.Info
	pyr  tile.Pyramid
	seed int64
}

// New builds a synthetic slide.
func New(cfg Config) (*Slide, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("synthetic slide needs positive dimensions, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Levels <= 0 {
		cfg.Levels = 4
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	name := cfg.Name
	if name == "" {
		name = "synthetic"
	}

	levels := make([]slide.Level, cfg.Levels)
	ds := 1.0
	for i := 0; i < cfg.Levels; i++ {
		levels[i] = slide.Level{
			Width:      ceilDivI64(cfg.Width, int64(ds)),
			Height:     ceilDivI64(cfg.Height, int64(ds)),
			Downsample: ds,
		}
		ds *= 4
	}

	info := slide.Info{
		Name:       name,
		TileSize:   cfg.TileSize,
		Levels:     levels,
		MPP:        0.25, // pretend 40x scan
		Vendor:     "synthetic",
		Background: "#F7F5F2",
	}
	return &Slide{info: info, pyr: info.Pyramid(), seed: cfg.Seed}, nil
}

func (s *Slide) Info() slide.Info { return s.info }

func (s *Slide) Close() error { return nil }

// DecodeTile renders the tile's slide-space region from the blob lattice.
func (s *Slide) DecodeTile(level, col, row int) (*image.RGBA, error) {
	k := tile.Key{Level: level, Col: col, Row: row}
	region, err := s.pyr.TileRegion(k)
	if err != nil {
		return nil, err
	}
	bounds, err := s.pyr.TileBounds(k)
	if err != nil {
		return nil, err
	}
	g, err := s.pyr.Grid(level)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContext(int(region.W), int(region.H))
	dc.SetColor(s.info.BackgroundColor())
	dc.Clear()

	// Blobs live on a slide-space lattice; gather every cell whose blobs
	// could reach this tile.
	pad := int64(maxBlobRadius)
	cx0 := (bounds.X - pad) / cellSize
	cy0 := (bounds.Y - pad) / cellSize
	cx1 := (bounds.X + bounds.W + pad) / cellSize
	cy1 := (bounds.Y + bounds.H + pad) / cellSize

	for cy := cy0; cy <= cy1; cy++ {
		for cx := cx0; cx <= cx1; cx++ {
			if cx < 0 || cy < 0 {
				continue
			}
			s.drawCell(dc, cx, cy, bounds, g.Downsample)
		}
	}

	img := dc.Image()
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

// Soft H&E-like palette: eosin pinks and hematoxylin purples.
var palette = []color.RGBA{
	{R: 0xE4, G: 0x94, B: 0xB4, A: 0xFF},
	{R: 0xD9, G: 0x7F, B: 0xA6, A: 0xFF},
	{R: 0xB4, G: 0x82, B: 0xC8, A: 0xFF},
	{R: 0x8E, G: 0x6B, B: 0xB8, A: 0xFF},
	{R: 0xC9, G: 0xA0, B: 0xD4, A: 0xFF},
}

var nucleusColor = color.RGBA{R: 0x46, G: 0x2A, B: 0x6E, A: 0xFF}

func (s *Slide) drawCell(dc *gg.Context, cx, cy int64, bounds tile.Rect, ds float64) {
	rng := rand.New(rand.NewSource(int64(uint64(s.seed) ^ uint64(cx)*0x9E3779B97F4A7C15 ^ uint64(cy)*0xC2B2AE3D27D4EB4F)))

	nBlobs := 2 + rng.Intn(3)
	for i := 0; i < nBlobs; i++ {
		// Blob geometry in slide coordinates.
		bx := float64(cx*cellSize) + rng.Float64()*cellSize
		by := float64(cy*cellSize) + rng.Float64()*cellSize
		rx := 200 + rng.Float64()*(maxBlobRadius-200)
		ry := rx * (0.6 + rng.Float64()*0.8)
		if ry > maxBlobRadius {
			ry = maxBlobRadius
		}
		c := palette[rng.Intn(len(palette))]
		alpha := 0.30 + rng.Float64()*0.35

		// Project into tile-local pixels at this level.
		px := (bx - float64(bounds.X)) / ds
		py := (by - float64(bounds.Y)) / ds
		prx := rx / ds
		pry := ry / ds
		if prx < 0.4 && pry < 0.4 {
			continue
		}

		dc.SetRGBA(float64(c.R)/255, float64(c.G)/255, float64(c.B)/255, alpha)
		dc.DrawEllipse(px, py, prx, pry)
		dc.Fill()

		// Nuclei only resolve at the finer levels.
		if nucleusRadius/ds < 0.7 {
			continue
		}
		nNuclei := 6 + rng.Intn(10)
		for j := 0; j < nNuclei; j++ {
			ang := rng.Float64() * 2 * math.Pi
			dist := rng.Float64()
			nx := px + (prx*0.85)*dist*math.Cos(ang)
			ny := py + (pry*0.85)*dist*math.Sin(ang)
			dc.SetRGBA(float64(nucleusColor.R)/255, float64(nucleusColor.G)/255, float64(nucleusColor.B)/255, 0.85)
			dc.DrawCircle(nx, ny, nucleusRadius/ds)
			dc.Fill()
		}
	}
}

func ceilDivI64(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
