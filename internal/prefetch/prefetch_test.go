package prefetch

import (
	"errors"
	"testing"

	"github.com/slide-tiles/server/internal/data/synth"
	"github.com/slide-tiles/server/internal/tile"
	"github.com/slide-tiles/server/internal/tilemgr"
)

// newTestManager opens a 3-level synthetic slide with 64px tiles: 16x16
// tiles at the base, 4x4 at level 1, a single tile at level 2. The
// manager's own halo is disabled so scheduling counts are exact.
func newTestManager(t *testing.T) *tilemgr.Manager {
	t.Helper()
	src, err := synth.New(synth.Config{Name: "warm", Width: 1024, Height: 1024, Levels: 3, TileSize: 64, Seed: 7})
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}
	m, err := tilemgr.Open(src, tilemgr.Config{Capacities: []int{32, 32, 4}, HaloMargin: -1})
	if err != nil {
		t.Fatalf("tilemgr.Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	if p.Margin != tilemgr.DefaultHaloMargin {
		t.Errorf("Margin = %d, want %d", p.Margin, tilemgr.DefaultHaloMargin)
	}
	if p.AdjacentLevels != 1 {
		t.Errorf("AdjacentLevels = %d, want 1", p.AdjacentLevels)
	}
}

func TestOnViewportIssuesVisibleRequest(t *testing.T) {
	m := newTestManager(t)
	p := Policy{}

	res, err := p.OnViewport(m, 1, tile.Rect{W: 512, H: 512}, 1)
	if err != nil {
		t.Fatalf("OnViewport: %v", err)
	}
	if len(res.Hits) != 0 || len(res.Pending) != 4 {
		t.Errorf("got %d hits, %d pending, want 0 hits, 4 pending", len(res.Hits), len(res.Pending))
	}
}

func TestOnLevelChangeStagesCoarserNeighbors(t *testing.T) {
	m := newTestManager(t)
	bounds := m.Pyramid().SlideBounds()

	// AdjacentLevels reaching past the coarsest level stops at the top.
	p := Policy{AdjacentLevels: 2}
	res, staged, err := p.OnLevelChange(m, 1, bounds, 1)
	if err != nil {
		t.Fatalf("OnLevelChange: %v", err)
	}
	if len(res.Pending) != 16 {
		t.Errorf("pending = %d, want all 16 level-1 tiles", len(res.Pending))
	}
	if staged != 1 {
		t.Errorf("staged = %d, want the single level-2 tile", staged)
	}

	// Landing on the coarsest level leaves nothing to stage.
	res, staged, err = p.OnLevelChange(m, 2, bounds, 2)
	if err != nil {
		t.Fatalf("OnLevelChange at coarsest: %v", err)
	}
	if len(res.Hits)+len(res.Pending) != 1 {
		t.Errorf("coarsest level resolved %d tiles, want 1", len(res.Hits)+len(res.Pending))
	}
	if staged != 0 {
		t.Errorf("staged = %d, want 0 above the coarsest level", staged)
	}

	if _, _, err := p.OnLevelChange(m, 7, bounds, 3); !errors.Is(err, tile.ErrOutOfRange) {
		t.Errorf("OnLevelChange(7): err = %v, want ErrOutOfRange", err)
	}
}

func TestWarmWidensByWholeTiles(t *testing.T) {
	m := newTestManager(t)
	center := tile.Rect{X: 256, Y: 256, W: 256, H: 256} // tile (1,1) at level 1

	n, err := Policy{}.Warm(m, 1, center, 1)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if n != 1 {
		t.Errorf("margin 0 staged %d tiles, want 1", n)
	}

	n, err = Policy{Margin: 1}.Warm(m, 1, center, 2)
	if err != nil {
		t.Fatalf("Warm with margin: %v", err)
	}
	if n != 9 {
		t.Errorf("margin 1 staged %d tiles, want the 3x3 block", n)
	}
}
