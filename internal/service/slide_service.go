// Package service provides business logic for the slide tile server. It
// bridges the asynchronous tile manager to synchronous consumers: HTTP
// handlers block briefly on the completion stream, while the manager and
// its workers never block on them.
package service

import (
	"errors"
	"fmt"
	"image"
	"log"
	"sync/atomic"
	"time"

	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/prefetch"
	"github.com/slide-tiles/server/internal/render"
	"github.com/slide-tiles/server/internal/tile"
	"github.com/slide-tiles/server/internal/tilemgr"
	"github.com/slide-tiles/server/internal/view"
	"github.com/slide-tiles/server/pkg/colormap"
)

// ErrNotReady reports that a bounded wait expired before every requested
// tile was decoded. The tiles stay scheduled; a retry usually succeeds.
var ErrNotReady = errors.New("tiles not ready before deadline")

const (
	// DefaultTileWait bounds how long a single-tile fetch blocks.
	DefaultTileWait = 5 * time.Second
	// DefaultThumbnailDim is the thumbnail's longer side when unspecified.
	DefaultThumbnailDim = 256

	maxViewDim      = 4096
	maxThumbnailDim = 2048
	thumbnailWait   = 10 * time.Second
	heatmapCellPx   = 8
)

// SlideServiceConfig wires one open slide into the service layer.
type SlideServiceConfig struct {
	SlideID string              // registry key; defaults to the slide name
	Manager *tilemgr.Manager    // required
	Encoded *cache.EncodedCache // shared encoded-image cache, may be nil
	Policy  prefetch.Policy     // cache warming policy
}

// SlideService serves rendered views of one open slide.
type SlideService struct {
	id      string
	mgr     *tilemgr.Manager
	comp    *render.Compositor
	enc     *render.PNGEncoder
	encoded *cache.EncodedCache
	policy  prefetch.Policy

	seq       atomic.Uint64 // viewport generation, bumped per view request
	lastLevel atomic.Int64
}

// NewSlideService creates a service over an open tile manager.
func NewSlideService(cfg SlideServiceConfig) *SlideService {
	info := cfg.Manager.Info()
	id := cfg.SlideID
	if id == "" {
		id = info.Name
	}
	s := &SlideService{
		id:      id,
		mgr:     cfg.Manager,
		comp:    render.NewCompositor(cfg.Manager.Pyramid(), cfg.Manager.Cache(), info.BackgroundColor()),
		enc:     render.NewPNGEncoder(),
		encoded: cfg.Encoded,
		policy:  cfg.Policy,
	}
	s.lastLevel.Store(-1)
	return s
}

// ID returns the registry key this slide is served under.
func (s *SlideService) ID() string { return s.id }

// Info returns the slide's immutable metadata.
func (s *SlideService) Info() slide.Info { return s.mgr.Info() }

// Manager exposes the underlying tile manager.
func (s *SlideService) Manager() *tilemgr.Manager { return s.mgr }

// Close shuts down the tile manager and its slide source.
func (s *SlideService) Close() error { return s.mgr.Close() }

// LevelInfo extends one pyramid level with its tile grid shape.
type LevelInfo struct {
	slide.Level
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Metadata is the slide description served to viewers. Physical dimensions
// are only present for calibrated slides (MPP known).
type Metadata struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Vendor         string      `json:"vendor,omitempty"`
	TileSize       int         `json:"tile_size"`
	MPP            float64     `json:"mpp,omitempty"`
	ObjectivePower float64     `json:"objective_power,omitempty"`
	Background     string      `json:"background,omitempty"`
	Width          int64       `json:"width"`
	Height         int64       `json:"height"`
	WidthUM        float64     `json:"width_um,omitempty"`
	HeightUM       float64     `json:"height_um,omitempty"`
	Levels         []LevelInfo `json:"levels"`
}

// Metadata describes the slide and its pyramid for the viewer.
func (s *SlideService) Metadata() Metadata {
	info := s.mgr.Info()
	pyr := s.mgr.Pyramid()
	md := Metadata{
		ID:             s.id,
		Name:           info.Name,
		Vendor:         info.Vendor,
		TileSize:       info.TileSize,
		MPP:            info.MPP,
		ObjectivePower: info.ObjectivePower,
		Background:     info.Background,
		Levels:         make([]LevelInfo, 0, info.LevelCount()),
	}
	if info.LevelCount() > 0 {
		md.Width = info.Levels[0].Width
		md.Height = info.Levels[0].Height
	}
	md.WidthUM, md.HeightUM = view.FieldOfView(info, pyr.SlideBounds())
	for i, l := range info.Levels {
		li := LevelInfo{Level: l}
		if g, err := pyr.Grid(i); err == nil {
			li.Cols = g.Cols()
			li.Rows = g.Rows()
		}
		md.Levels = append(md.Levels, li)
	}
	return md
}

// EncodedStats describes the shared encoded-image cache.
type EncodedStats struct {
	Entries int `json:"entries"`
	Bytes   int `json:"bytes"`
}

// Stats bundles the manager counters with the encoded-image cache.
type Stats struct {
	Slide   string        `json:"slide"`
	Tiles   tilemgr.Stats `json:"tiles"`
	Encoded EncodedStats  `json:"encoded_cache"`
}

// Stats snapshots the slide's runtime counters.
func (s *SlideService) Stats() Stats {
	st := Stats{Slide: s.id, Tiles: s.mgr.Stats()}
	if s.encoded != nil {
		st.Encoded = EncodedStats{Entries: s.encoded.Len(), Bytes: s.encoded.Capacity()}
	}
	return st
}

// TilePNG returns one tile encoded as PNG, decoding on demand. It blocks up
// to wait for the decode (DefaultTileWait when wait is zero); an expired
// wait returns ErrNotReady with the decode still scheduled.
func (s *SlideService) TilePNG(level, col, row int, wait time.Duration) ([]byte, error) {
	if wait <= 0 {
		wait = DefaultTileWait
	}
	key := tile.Key{Level: level, Col: col, Row: row}
	ck := cache.TilePNGKey(s.id, key)
	if data, ok := s.encodedGet(ck); ok {
		return data, nil
	}

	// A direct tile fetch is demand, so a hit promotes.
	if img, ok := s.mgr.Cache().Get(key); ok {
		return s.encodeAndStore(ck, img)
	}

	bounds, err := s.mgr.Pyramid().TileBounds(key)
	if err != nil {
		return nil, err
	}
	if _, err := s.mgr.RequestView(level, bounds, s.seq.Load()); err != nil {
		return nil, err
	}
	if err := s.waitForTiles([]tile.Key{key}, time.Now().Add(wait)); err != nil {
		return nil, err
	}
	img, ok := s.mgr.Cache().Get(key)
	if !ok {
		return nil, ErrNotReady
	}
	return s.encodeAndStore(ck, img)
}

// ViewParams locates a viewport: center in slide pixels, zoom in screen
// pixels per slide pixel, output size in screen pixels.
type ViewParams struct {
	CX, CY float64
	Zoom   float64
	W, H   int
	Wait   time.Duration // 0 composites immediately from whatever is cached
}

// ViewInfo describes how a viewport render was produced.
type ViewInfo struct {
	Level   int                `json:"level"`
	Seq     uint64             `json:"seq"`
	Rect    tile.Rect          `json:"rect"`
	Stats   render.RegionStats `json:"stats"`
	Pending int                `json:"pending"`
	Cached  bool               `json:"cached"`
}

// ViewPNG renders the viewport best-effort: cached tiles at full fidelity,
// coarser fallbacks and placeholders for the rest, never failing on a
// missing or broken tile. With Wait set it blocks up to that long for
// pending decodes before compositing.
func (s *SlideService) ViewPNG(p ViewParams) ([]byte, ViewInfo, error) {
	if p.W <= 0 || p.H <= 0 || p.Zoom <= 0 {
		return nil, ViewInfo{}, fmt.Errorf("invalid viewport %dx%d at zoom %g", p.W, p.H, p.Zoom)
	}
	if p.W > maxViewDim {
		p.W = maxViewDim
	}
	if p.H > maxViewDim {
		p.H = maxViewDim
	}

	info := s.mgr.Info()
	st := view.State{CX: p.CX, CY: p.CY, Zoom: view.ClampZoom(p.Zoom, 0, view.MaxZoom), ViewW: p.W, ViewH: p.H}
	st = st.ClampCenter(s.mgr.Pyramid().SlideBounds())
	visible := st.VisibleRect()
	level := view.StageLevel(st.Zoom, info.LevelCount())

	ck := cache.ViewKey(s.id, level, visible)
	if data, ok := s.encodedGet(ck); ok {
		return data, ViewInfo{Level: level, Rect: visible, Cached: true}, nil
	}

	seq := s.seq.Add(1)
	var res tilemgr.ViewResult
	var err error
	if prev := s.lastLevel.Swap(int64(level)); prev != int64(level) {
		res, _, err = s.policy.OnLevelChange(s.mgr, level, visible, seq)
	} else {
		res, err = s.policy.OnViewport(s.mgr, level, visible, seq)
	}
	if err != nil {
		return nil, ViewInfo{}, err
	}

	if p.Wait > 0 && len(res.Pending) > 0 {
		// Best effort: decode failures and expired waits still composite.
		if err := s.waitForTiles(res.Pending, time.Now().Add(p.Wait)); errors.Is(err, tilemgr.ErrSlideClosed) {
			return nil, ViewInfo{}, err
		}
	} else {
		s.drainCompleted()
	}

	img, stats, err := s.comp.RenderRegion(level, visible)
	if err != nil {
		return nil, ViewInfo{}, err
	}
	vi := ViewInfo{Level: level, Seq: seq, Rect: visible, Stats: stats, Pending: len(res.Pending)}

	data, err := s.enc.Encode(img)
	if err != nil {
		return nil, ViewInfo{}, err
	}
	// Degraded composites are transient; only finished views are worth
	// keeping encoded.
	if stats.Complete() {
		s.encodedSet(ck, data)
	}
	return data, vi, nil
}

// ThumbnailPNG renders the whole slide at the coarsest level, scaled down
// to maxDim on the longer side.
func (s *SlideService) ThumbnailPNG(maxDim int) ([]byte, error) {
	if maxDim <= 0 {
		maxDim = DefaultThumbnailDim
	}
	if maxDim > maxThumbnailDim {
		maxDim = maxThumbnailDim
	}
	ck := cache.ThumbnailKey(s.id, maxDim)
	if data, ok := s.encodedGet(ck); ok {
		return data, nil
	}

	level := s.mgr.Info().LevelCount() - 1
	bounds := s.mgr.Pyramid().SlideBounds()
	res, err := s.mgr.RequestView(level, bounds, s.seq.Load())
	if err != nil {
		return nil, err
	}
	if len(res.Pending) > 0 {
		if err := s.waitForTiles(res.Pending, time.Now().Add(thumbnailWait)); errors.Is(err, tilemgr.ErrSlideClosed) {
			return nil, err
		}
	}

	full, stats, err := s.comp.RenderRegion(level, bounds)
	if err != nil {
		return nil, err
	}
	data, err := s.enc.Encode(render.Thumbnail(full, maxDim))
	if err != nil {
		return nil, err
	}
	if stats.Complete() {
		s.encodedSet(ck, data)
	}
	return data, nil
}

// HeatmapPNG renders the cache residency grid for one level.
func (s *SlideService) HeatmapPNG(level int) ([]byte, error) {
	grid, err := s.mgr.CacheMap(level)
	if err != nil {
		return nil, err
	}
	return s.enc.Encode(render.CacheHeatmap(grid, heatmapCellPx, colormap.Viridis))
}

// WarmRegion stages a slide-space region for decoding without waiting on
// it, so batch work can overlap decode with compositing. A region too big
// to stay resident in its level cache, margin ring included, is skipped:
// warming it would only evict tiles ahead of their use. Returns how many
// decodes were scheduled.
func (s *SlideService) WarmRegion(level int, rect tile.Rect) (int, error) {
	pyr := s.mgr.Pyramid()
	grown, err := pyr.HaloRect(level, rect, s.policy.Margin)
	if err != nil {
		return 0, err
	}
	keys, err := pyr.TilesForRegion(level, grown)
	if err != nil {
		return 0, err
	}
	if len(keys) > s.mgr.Cache().Capacity(level) {
		return 0, nil
	}
	return s.policy.Warm(s.mgr, level, rect, s.seq.Load())
}

// RenderRegionSync decodes and composites a slide-space region, blocking
// until every tile is cached or the deadline passes. Decode failures and
// expired deadlines fail the call; viewport traffic should use ViewPNG.
func (s *SlideService) RenderRegionSync(level int, rect tile.Rect, deadline time.Time) (*image.RGBA, render.RegionStats, error) {
	res, err := s.mgr.RequestView(level, rect, s.seq.Load())
	if err != nil {
		return nil, render.RegionStats{}, err
	}
	if len(res.Pending) > 0 {
		if err := s.waitForTiles(res.Pending, deadline); err != nil {
			return nil, render.RegionStats{}, err
		}
	} else {
		s.drainCompleted()
	}
	return s.comp.RenderRegion(level, rect)
}

// waitForTiles polls completions until every key is cached, a decode of one
// of them fails, or the deadline passes. The manager's update signal is
// coalesced and shared between waiters, so the loop also ticks on its own
// instead of trusting the channel alone.
func (s *SlideService) waitForTiles(keys []tile.Key, deadline time.Time) error {
	pending := make(map[tile.Key]struct{}, len(keys))
	for _, k := range keys {
		pending[k] = struct{}{}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		done, err := s.mgr.PollCompleted()
		if err != nil {
			return err
		}
		var decodeErr error
		for _, c := range done {
			if _, ours := pending[c.Key]; !ours {
				continue
			}
			delete(pending, c.Key)
			if c.Err != nil && decodeErr == nil {
				decodeErr = c.Err
			}
		}
		// Tiles another waiter polled in are already cached.
		for k := range pending {
			if s.mgr.Cache().Contains(k) {
				delete(pending, k)
			}
		}
		if decodeErr != nil {
			return decodeErr
		}
		if len(pending) == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrNotReady
		}
		select {
		case <-s.mgr.Updates():
		case <-ticker.C:
		}
	}
}

// drainCompleted folds any finished decodes into the level cache without
// blocking.
func (s *SlideService) drainCompleted() {
	if _, err := s.mgr.PollCompleted(); err != nil && !errors.Is(err, tilemgr.ErrSlideClosed) {
		log.Printf("[Slide] %s: poll completed: %v", s.id, err)
	}
}

func (s *SlideService) encodedGet(key string) ([]byte, bool) {
	if s.encoded == nil {
		return nil, false
	}
	return s.encoded.Get(key)
}

func (s *SlideService) encodedSet(key string, data []byte) {
	if s.encoded == nil {
		return
	}
	if err := s.encoded.Set(key, data); err != nil {
		log.Printf("[Slide] %s: encoded cache set %s: %v", s.id, key, err)
	}
}

func (s *SlideService) encodeAndStore(key string, img image.Image) ([]byte, error) {
	data, err := s.enc.Encode(img)
	if err != nil {
		return nil, err
	}
	s.encodedSet(key, data)
	return data, nil
}
