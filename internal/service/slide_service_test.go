package service

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/data/synth"
	"github.com/slide-tiles/server/internal/prefetch"
	"github.com/slide-tiles/server/internal/tile"
	"github.com/slide-tiles/server/internal/tilemgr"
)

// gatedSource blocks every decode until the gate closes.
type gatedSource struct {
	slide.Source
	gate chan struct{}
}

func (g *gatedSource) DecodeTile(level, col, row int) (*image.RGBA, error) {
	<-g.gate
	return g.Source.DecodeTile(level, col, row)
}

// newTestService opens a 1024x1024 synthetic slide with 64px tiles over
// three levels, so the level grids are 16x16, 4x4, and 1x1. A non-nil gate
// holds back every decode until closed.
func newTestService(t *testing.T, gate chan struct{}) *SlideService {
	t.Helper()
	src, err := synth.New(synth.Config{Name: "sample-a", Width: 1024, Height: 1024, Levels: 3, TileSize: 64, Seed: 11})
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}
	var source slide.Source = src
	if gate != nil {
		source = &gatedSource{Source: src, gate: gate}
	}
	mgr, err := tilemgr.Open(source, tilemgr.Config{
		Capacities: []int{64, 32, 4},
		Workers:    2,
		HaloMargin: -1,
	})
	if err != nil {
		t.Fatalf("tilemgr.Open: %v", err)
	}
	enc, err := cache.NewEncodedCache(16, time.Minute)
	if err != nil {
		t.Fatalf("NewEncodedCache: %v", err)
	}
	svc := NewSlideService(SlideServiceConfig{
		SlideID: "sample-a",
		Manager: mgr,
		Encoded: enc,
		Policy:  prefetch.Policy{},
	})
	t.Cleanup(func() {
		svc.Close()
		enc.Close()
	})
	return svc
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	return img
}

func TestTilePNGDecodesOnDemand(t *testing.T) {
	svc := newTestService(t, nil)

	data, err := svc.TilePNG(1, 2, 3, time.Second)
	if err != nil {
		t.Fatalf("TilePNG: %v", err)
	}
	img := decodePNG(t, data)
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("tile image is %dx%d, want 64x64", b.Dx(), b.Dy())
	}

	again, err := svc.TilePNG(1, 2, 3, time.Second)
	if err != nil {
		t.Fatalf("TilePNG repeat: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("repeat fetch returned different bytes")
	}

	if _, err := svc.TilePNG(9, 0, 0, time.Second); !errors.Is(err, tile.ErrOutOfRange) {
		t.Fatalf("level 9 error = %v, want ErrOutOfRange", err)
	}
	if _, err := svc.TilePNG(1, 99, 0, time.Second); !errors.Is(err, tile.ErrOutOfRange) {
		t.Fatalf("col 99 error = %v, want ErrOutOfRange", err)
	}
}

func TestViewPNGCompositesViewport(t *testing.T) {
	svc := newTestService(t, nil)

	// Zoom 0.05 lands on level 1 and the 200x150 screen viewport spans the
	// whole 1024px slide, so the composite clips to the full 256px level.
	p := ViewParams{CX: 512, CY: 512, Zoom: 0.05, W: 200, H: 150, Wait: 2 * time.Second}
	data, vi, err := svc.ViewPNG(p)
	if err != nil {
		t.Fatalf("ViewPNG: %v", err)
	}
	if vi.Level != 1 {
		t.Fatalf("rendered level %d, want 1", vi.Level)
	}
	if vi.Pending != 16 {
		t.Fatalf("scheduled %d tiles, want 16", vi.Pending)
	}
	if !vi.Stats.Complete() || vi.Stats.Full != 16 {
		t.Fatalf("stats = %+v, want 16 full tiles", vi.Stats)
	}
	img := decodePNG(t, data)
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("view image is %dx%d, want 256x256", b.Dx(), b.Dy())
	}

	again, vi2, err := svc.ViewPNG(p)
	if err != nil {
		t.Fatalf("ViewPNG repeat: %v", err)
	}
	if !vi2.Cached {
		t.Fatal("repeat of a complete view should come from the encoded cache")
	}
	if !bytes.Equal(data, again) {
		t.Fatal("cached view returned different bytes")
	}
}

func TestViewPNGBestEffortWithoutWait(t *testing.T) {
	gate := make(chan struct{})
	svc := newTestService(t, gate)

	p := ViewParams{CX: 512, CY: 512, Zoom: 0.05, W: 200, H: 150}
	data, vi, err := svc.ViewPNG(p)
	if err != nil {
		t.Fatalf("ViewPNG: %v", err)
	}
	if vi.Pending != 16 || vi.Stats.Missing != 16 {
		t.Fatalf("blocked decode gave %+v, want 16 pending and 16 missing", vi)
	}
	if vi.Stats.Complete() {
		t.Fatal("composite with held-back decodes cannot be complete")
	}
	if b := decodePNG(t, data).Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("placeholder view is %dx%d, want 256x256", b.Dx(), b.Dy())
	}

	close(gate)
	p.Wait = 2 * time.Second
	_, vi, err = svc.ViewPNG(p)
	if err != nil {
		t.Fatalf("ViewPNG after gate: %v", err)
	}
	if !vi.Stats.Complete() {
		t.Fatalf("stats after decodes = %+v, want complete", vi.Stats)
	}

	_, vi, err = svc.ViewPNG(p)
	if err != nil {
		t.Fatalf("ViewPNG cached: %v", err)
	}
	if !vi.Cached {
		t.Fatal("complete view was not cached encoded")
	}
}

func TestViewPNGRejectsBadParams(t *testing.T) {
	svc := newTestService(t, nil)

	if _, _, err := svc.ViewPNG(ViewParams{Zoom: 0.1, W: 0, H: 100}); err == nil {
		t.Fatal("zero width accepted")
	}
	if _, _, err := svc.ViewPNG(ViewParams{Zoom: 0, W: 100, H: 100}); err == nil {
		t.Fatal("zero zoom accepted")
	}
}

func TestThumbnailPNG(t *testing.T) {
	svc := newTestService(t, nil)

	data, err := svc.ThumbnailPNG(0)
	if err != nil {
		t.Fatalf("ThumbnailPNG: %v", err)
	}
	// The coarsest level is already 64x64, below the default cap, so the
	// thumbnail keeps that size.
	if b := decodePNG(t, data).Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("thumbnail is %dx%d, want 64x64", b.Dx(), b.Dy())
	}

	again, err := svc.ThumbnailPNG(0)
	if err != nil {
		t.Fatalf("ThumbnailPNG repeat: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("repeat thumbnail returned different bytes")
	}
}

func TestRenderRegionSync(t *testing.T) {
	gate := make(chan struct{})
	svc := newTestService(t, gate)

	rect := tile.Rect{X: 0, Y: 0, W: 256, H: 256}
	if _, _, err := svc.RenderRegionSync(0, rect, time.Now().Add(30*time.Millisecond)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("blocked render error = %v, want ErrNotReady", err)
	}

	close(gate)
	img, stats, err := svc.RenderRegionSync(0, rect, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("RenderRegionSync: %v", err)
	}
	if !stats.Complete() || stats.Full != 16 {
		t.Fatalf("stats = %+v, want 16 full tiles", stats)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("region is %dx%d, want 256x256", b.Dx(), b.Dy())
	}
}

func TestWarmRegion(t *testing.T) {
	svc := newTestService(t, nil)
	bounds := svc.Manager().Pyramid().SlideBounds()

	// Level 0 holds 256 tiles against a capacity of 64; warming the whole
	// slide there would evict tiles ahead of their use, so it is skipped.
	n, err := svc.WarmRegion(0, bounds)
	if err != nil {
		t.Fatalf("WarmRegion level 0: %v", err)
	}
	if n != 0 {
		t.Fatalf("oversized warm scheduled %d tiles, want 0", n)
	}

	n, err = svc.WarmRegion(1, bounds)
	if err != nil {
		t.Fatalf("WarmRegion level 1: %v", err)
	}
	if n != 16 {
		t.Fatalf("scheduled %d tiles, want 16", n)
	}
	keys, err := svc.Manager().Pyramid().TilesForRegion(1, bounds)
	if err != nil {
		t.Fatalf("TilesForRegion: %v", err)
	}
	if err := svc.waitForTiles(keys, time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("warmed tiles never landed: %v", err)
	}

	// Everything is cached now; a repeat warm schedules nothing.
	n, err = svc.WarmRegion(1, bounds)
	if err != nil {
		t.Fatalf("WarmRegion repeat: %v", err)
	}
	if n != 0 {
		t.Fatalf("repeat warm scheduled %d tiles, want 0", n)
	}

	if _, err := svc.WarmRegion(9, bounds); !errors.Is(err, tile.ErrOutOfRange) {
		t.Fatalf("level 9 error = %v, want ErrOutOfRange", err)
	}
}

func TestMetadataDescribesPyramid(t *testing.T) {
	svc := newTestService(t, nil)

	md := svc.Metadata()
	if md.ID != "sample-a" || md.Name != "sample-a" {
		t.Fatalf("identity = %q/%q, want sample-a", md.ID, md.Name)
	}
	if md.Width != 1024 || md.Height != 1024 || md.TileSize != 64 {
		t.Fatalf("dimensions = %dx%d tile %d", md.Width, md.Height, md.TileSize)
	}
	if len(md.Levels) != 3 {
		t.Fatalf("got %d levels, want 3", len(md.Levels))
	}
	if md.Levels[0].Cols != 16 || md.Levels[0].Rows != 16 {
		t.Fatalf("level 0 grid %dx%d, want 16x16", md.Levels[0].Cols, md.Levels[0].Rows)
	}
	if md.Levels[2].Cols != 1 || md.Levels[2].Rows != 1 {
		t.Fatalf("level 2 grid %dx%d, want 1x1", md.Levels[2].Cols, md.Levels[2].Rows)
	}
	if md.MPP != 0.25 {
		t.Fatalf("mpp = %g, want 0.25", md.MPP)
	}
	if md.WidthUM != 256 || md.HeightUM != 256 {
		t.Fatalf("physical size = %gx%g um, want 256x256", md.WidthUM, md.HeightUM)
	}
	if md.Background != "#F7F5F2" {
		t.Fatalf("background = %q", md.Background)
	}
}

func TestStatsAndHeatmap(t *testing.T) {
	svc := newTestService(t, nil)

	if _, err := svc.TilePNG(1, 0, 0, time.Second); err != nil {
		t.Fatalf("TilePNG: %v", err)
	}

	st := svc.Stats()
	if st.Slide != "sample-a" {
		t.Fatalf("stats slide = %q", st.Slide)
	}
	if st.Tiles.Decoded < 1 {
		t.Fatalf("decoded = %d, want at least 1", st.Tiles.Decoded)
	}
	if st.Encoded.Entries < 1 {
		t.Fatalf("encoded entries = %d, want at least 1", st.Encoded.Entries)
	}

	data, err := svc.HeatmapPNG(1)
	if err != nil {
		t.Fatalf("HeatmapPNG: %v", err)
	}
	if b := decodePNG(t, data).Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Fatalf("heatmap is %dx%d, want 32x32", b.Dx(), b.Dy())
	}
	if _, err := svc.HeatmapPNG(9); !errors.Is(err, tile.ErrOutOfRange) {
		t.Fatalf("level 9 error = %v, want ErrOutOfRange", err)
	}
}
