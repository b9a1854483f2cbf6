// Package tile provides tile identity and coordinate mapping for pyramidal
// whole-slide images. Everything here is pure geometry: converting viewport
// rectangles in slide coordinates into sets of tile keys, translating between
// slide space and level space, and choosing a pyramid level for a display
// scale. No I/O, no shared state.
package tile

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange indicates a level index or tile coordinate outside the
// pyramid's bounds.
var ErrOutOfRange = errors.New("level or tile coordinate out of range")

// Key identifies one fixed-size tile within one pyramid level.
// Equality is defined on all three fields.
type Key struct {
	Level int
	Col   int
	Row   int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.Col, k.Row)
}

// Rect is an axis-aligned pixel rectangle. Whether coordinates are
// slide-space (level 0) or level-local depends on the call site.
type Rect struct {
	X, Y, W, H int64
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersect returns the overlap of two rectangles, or an empty Rect.
func (r Rect) Intersect(o Rect) Rect {
	x0 := max(r.X, o.X)
	y0 := max(r.Y, o.Y)
	x1 := min(r.X+r.W, o.X+o.W)
	y1 := min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Intersects reports whether two rectangles overlap with positive area.
func (r Rect) Intersects(o Rect) bool { return !r.Intersect(o).Empty() }

// Grid describes the tile grid of one pyramid level.
type Grid struct {
	Width      int64   // level width in pixels
	Height     int64   // level height in pixels
	Downsample float64 // slide pixels per pixel at this level (level 0: 1.0)
	TileSize   int     // tile edge in pixels
}

// Cols returns the number of tile columns at this level.
func (g Grid) Cols() int { return int(ceilDiv(g.Width, int64(g.TileSize))) }

// Rows returns the number of tile rows at this level.
func (g Grid) Rows() int { return int(ceilDiv(g.Height, int64(g.TileSize))) }

// Pyramid is the immutable level stack of one slide, finest level first.
// Levels must be ordered by non-decreasing downsample.
type Pyramid struct {
	levels []Grid
}

// NewPyramid builds a pyramid from per-level grids.
func NewPyramid(levels []Grid) Pyramid {
	out := make([]Grid, len(levels))
	copy(out, levels)
	return Pyramid{levels: out}
}

// Levels returns the number of pyramid levels.
func (p Pyramid) Levels() int { return len(p.levels) }

// Grid returns the grid for one level.
func (p Pyramid) Grid(level int) (Grid, error) {
	if level < 0 || level >= len(p.levels) {
		return Grid{}, fmt.Errorf("level %d of %d: %w", level, len(p.levels), ErrOutOfRange)
	}
	return p.levels[level], nil
}

// SlideBounds returns the full slide extent in slide coordinates.
func (p Pyramid) SlideBounds() Rect {
	if len(p.levels) == 0 {
		return Rect{}
	}
	g := p.levels[0]
	w := int64(math.Round(float64(g.Width) * g.Downsample))
	h := int64(math.Round(float64(g.Height) * g.Downsample))
	return Rect{W: w, H: h}
}

// ToLevel converts a slide-space point to level-local pixels.
func (p Pyramid) ToLevel(level int, sx, sy int64) (int64, int64, error) {
	g, err := p.Grid(level)
	if err != nil {
		return 0, 0, err
	}
	return int64(math.Floor(float64(sx) / g.Downsample)), int64(math.Floor(float64(sy) / g.Downsample)), nil
}

// ToSlide converts a level-local point back to slide coordinates.
// Round-tripping through ToLevel loses at most one pixel at that level.
func (p Pyramid) ToSlide(level int, lx, ly int64) (int64, int64, error) {
	g, err := p.Grid(level)
	if err != nil {
		return 0, 0, err
	}
	return int64(math.Round(float64(lx) * g.Downsample)), int64(math.Round(float64(ly) * g.Downsample)), nil
}

// LevelRect converts a slide-space rectangle to level-local pixels, clipped
// to the level's bounds. The result covers every level pixel the slide rect
// touches.
func (p Pyramid) LevelRect(level int, r Rect) (Rect, error) {
	g, err := p.Grid(level)
	if err != nil {
		return Rect{}, err
	}
	if r.Empty() {
		return Rect{}, nil
	}
	x0 := int64(math.Floor(float64(r.X) / g.Downsample))
	y0 := int64(math.Floor(float64(r.Y) / g.Downsample))
	x1 := int64(math.Ceil(float64(r.X+r.W) / g.Downsample))
	y1 := int64(math.Ceil(float64(r.Y+r.H) / g.Downsample))
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}.Intersect(Rect{W: g.Width, H: g.Height}), nil
}

// SlideRect converts a level-local rectangle to slide coordinates.
func (p Pyramid) SlideRect(level int, r Rect) (Rect, error) {
	g, err := p.Grid(level)
	if err != nil {
		return Rect{}, err
	}
	return Rect{
		X: int64(math.Round(float64(r.X) * g.Downsample)),
		Y: int64(math.Round(float64(r.Y) * g.Downsample)),
		W: int64(math.Round(float64(r.W) * g.Downsample)),
		H: int64(math.Round(float64(r.H) * g.Downsample)),
	}, nil
}

// TilesForRegion enumerates every tile at the given level whose bounds
// intersect the slide-space rectangle, including partial overlaps. A
// rectangle entirely outside the slide yields an empty set. Fails only for
// an invalid level.
func (p Pyramid) TilesForRegion(level int, r Rect) ([]Key, error) {
	lr, err := p.LevelRect(level, r)
	if err != nil {
		return nil, err
	}
	if lr.Empty() {
		return nil, nil
	}
	g := p.levels[level]
	ts := int64(g.TileSize)

	c0 := int(lr.X / ts)
	r0 := int(lr.Y / ts)
	c1 := int((lr.X + lr.W - 1) / ts)
	r1 := int((lr.Y + lr.H - 1) / ts)

	keys := make([]Key, 0, (c1-c0+1)*(r1-r0+1))
	for row := r0; row <= r1; row++ {
		for col := c0; col <= c1; col++ {
			keys = append(keys, Key{Level: level, Col: col, Row: row})
		}
	}
	return keys, nil
}

// TileRegion returns the tile's pixel rectangle in its own level's
// coordinates, clipped to the level bounds (edge tiles are smaller).
func (p Pyramid) TileRegion(k Key) (Rect, error) {
	g, err := p.Grid(k.Level)
	if err != nil {
		return Rect{}, err
	}
	if k.Col < 0 || k.Row < 0 || k.Col >= g.Cols() || k.Row >= g.Rows() {
		return Rect{}, fmt.Errorf("tile %s: %w", k, ErrOutOfRange)
	}
	ts := int64(g.TileSize)
	r := Rect{X: int64(k.Col) * ts, Y: int64(k.Row) * ts, W: ts, H: ts}
	return r.Intersect(Rect{W: g.Width, H: g.Height}), nil
}

// TileBounds returns the tile's rectangle in slide coordinates.
func (p Pyramid) TileBounds(k Key) (Rect, error) {
	lr, err := p.TileRegion(k)
	if err != nil {
		return Rect{}, err
	}
	return p.SlideRect(k.Level, lr)
}

// LevelForScale chooses the pyramid level whose native resolution is the
// closest match at or above the requested display scale (displayed pixels
// per slide pixel). It never picks a level coarser than needed while a finer
// one exists; ties break toward the lower (finer) index.
func (p Pyramid) LevelForScale(scale float64) int {
	if len(p.levels) == 0 {
		return 0
	}
	best := 0
	bestRes := math.Inf(1)
	found := false
	for i, g := range p.levels {
		res := 1.0 / g.Downsample
		if res >= scale && res < bestRes {
			best = i
			bestRes = res
			found = true
		}
	}
	if found {
		return best
	}
	// Requested scale is finer than every level; use the finest available.
	finest := 0
	for i := 1; i < len(p.levels); i++ {
		if p.levels[i].Downsample < p.levels[finest].Downsample {
			finest = i
		}
	}
	return finest
}

// BestLevelForDownsample returns the level whose downsample factor is the
// closest absolute match to the requested one.
func (p Pyramid) BestLevelForDownsample(ds float64) int {
	best := 0
	bestDiff := math.Inf(1)
	for i, g := range p.levels {
		diff := math.Abs(g.Downsample - ds)
		if diff < bestDiff {
			best = i
			bestDiff = diff
		}
	}
	return best
}

// HaloRect expands a slide-space viewport by a margin of whole tiles at the
// given level, clamped to the slide bounds.
func (p Pyramid) HaloRect(level int, r Rect, margin int) (Rect, error) {
	g, err := p.Grid(level)
	if err != nil {
		return Rect{}, err
	}
	if margin <= 0 || r.Empty() {
		return r, nil
	}
	pad := int64(math.Round(float64(margin) * float64(g.TileSize) * g.Downsample))
	expanded := Rect{X: r.X - pad, Y: r.Y - pad, W: r.W + 2*pad, H: r.H + 2*pad}
	return expanded.Intersect(p.SlideBounds()), nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
