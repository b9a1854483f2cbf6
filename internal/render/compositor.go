package render

import (
	"image"
	"image/color"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"

	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/tile"
)

// RegionStats counts how each tile slot of a composite was filled.
type RegionStats struct {
	Full     int `json:"full"`
	Fallback int `json:"fallback"`
	Missing  int `json:"missing"`
}

// Complete reports whether every tile rendered at full fidelity.
func (s RegionStats) Complete() bool { return s.Fallback == 0 && s.Missing == 0 }

// Compositor assembles viewport images from whatever the level cache holds
// at render time. It never decodes and never blocks: tiles cached at the
// target level draw at full fidelity, holes fall back to the nearest
// coarser cached cover scaled up, and uncovered slots get a placeholder.
type Compositor struct {
	pyr   tile.Pyramid
	cache *cache.LevelCache
	bg    color.RGBA

	mu           sync.Mutex
	placeholders map[image.Point]image.Image
}

// NewCompositor builds a compositor over the given pyramid and cache.
// background fills placeholder tiles, usually Info.BackgroundColor().
func NewCompositor(pyr tile.Pyramid, lc *cache.LevelCache, background color.RGBA) *Compositor {
	return &Compositor{
		pyr:          pyr,
		cache:        lc,
		bg:           background,
		placeholders: make(map[image.Point]image.Image),
	}
}

// RenderRegion composites the slide-space rect at the given level. The
// output image covers the level-local projection of rect, clipped to the
// level bounds. Cache lookups peek, so rendering never reorders evictions.
func (c *Compositor) RenderRegion(level int, rect tile.Rect) (*image.RGBA, RegionStats, error) {
	lr, err := c.pyr.LevelRect(level, rect)
	if err != nil {
		return nil, RegionStats{}, err
	}
	out := image.NewRGBA(image.Rect(0, 0, int(lr.W), int(lr.H)))
	if lr.Empty() {
		return out, RegionStats{}, nil
	}

	keys, err := c.pyr.TilesForRegion(level, rect)
	if err != nil {
		return nil, RegionStats{}, err
	}

	var stats RegionStats
	for _, key := range keys {
		tr, err := c.pyr.TileRegion(key)
		if err != nil {
			return nil, stats, err
		}
		vis := tr.Intersect(lr)
		if vis.Empty() {
			continue
		}
		dst := image.Rect(int(vis.X-lr.X), int(vis.Y-lr.Y), int(vis.X-lr.X+vis.W), int(vis.Y-lr.Y+vis.H))

		if img, ok := c.cache.Peek(key); ok {
			sp := image.Point{X: int(vis.X - tr.X), Y: int(vis.Y - tr.Y)}
			draw.Draw(out, dst, img, sp, draw.Src)
			stats.Full++
			continue
		}
		if c.drawCoarserCover(out, dst, key.Level, vis) {
			stats.Fallback++
			continue
		}
		sp := image.Point{X: int(vis.X - tr.X), Y: int(vis.Y - tr.Y)}
		draw.Draw(out, dst, c.placeholderFor(int(tr.W), int(tr.H)), sp, draw.Src)
		stats.Missing++
	}
	return out, stats, nil
}

// drawCoarserCover fills dst from the nearest coarser level whose cached
// tiles fully cover the missing region. vis is the missing region in
// level-local pixels. Returns false when no level covers it.
func (c *Compositor) drawCoarserCover(out *image.RGBA, dst image.Rectangle, level int, vis tile.Rect) bool {
	s, err := c.pyr.SlideRect(level, vis)
	if err != nil || s.Empty() {
		return false
	}
	for cl := level + 1; cl < c.pyr.Levels(); cl++ {
		ckeys, err := c.pyr.TilesForRegion(cl, s)
		if err != nil || len(ckeys) == 0 {
			continue
		}
		imgs := make([]*image.RGBA, len(ckeys))
		covered := true
		for i, ck := range ckeys {
			img, ok := c.cache.Peek(ck)
			if !ok {
				covered = false
				break
			}
			imgs[i] = img
		}
		if !covered {
			continue
		}

		scl, err := c.pyr.LevelRect(cl, s)
		if err != nil || scl.Empty() {
			continue
		}
		patch := image.NewRGBA(image.Rect(0, 0, int(scl.W), int(scl.H)))
		for i, ck := range ckeys {
			cr, err := c.pyr.TileRegion(ck)
			if err != nil {
				return false
			}
			cvis := cr.Intersect(scl)
			if cvis.Empty() {
				continue
			}
			pd := image.Rect(int(cvis.X-scl.X), int(cvis.Y-scl.Y), int(cvis.X-scl.X+cvis.W), int(cvis.Y-scl.Y+cvis.H))
			sp := image.Point{X: int(cvis.X - cr.X), Y: int(cvis.Y - cr.Y)}
			draw.Draw(patch, pd, imgs[i], sp, draw.Src)
		}
		draw.ApproxBiLinear.Scale(out, dst, patch, patch.Bounds(), draw.Src, nil)
		return true
	}
	return false
}

// placeholderFor returns the loading texture for a w x h tile slot:
// background with a faint diagonal hatch. Built once per size and reused;
// the cached image is never written to after creation.
func (c *Compositor) placeholderFor(w, h int) image.Image {
	size := image.Point{X: w, Y: h}
	c.mu.Lock()
	if p, ok := c.placeholders[size]; ok {
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()

	dc := gg.NewContext(w, h)
	dc.SetColor(c.bg)
	dc.Clear()
	dc.SetRGBA(0, 0, 0, 0.04)
	dc.SetLineWidth(1)
	for x := -float64(h); x < float64(w); x += 16 {
		dc.DrawLine(x, 0, x+float64(h), float64(h))
	}
	dc.Stroke()
	img := dc.Image()

	c.mu.Lock()
	c.placeholders[size] = img
	c.mu.Unlock()
	return img
}
