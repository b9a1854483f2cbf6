// Package prefetch layers viewport-driven cache warming on the tile manager.
//
// The manager already rings every RequestView with its configured halo of
// neighboring tiles, so the policy here covers what that halo cannot see:
// the level the viewer is about to land on when it crosses a zoom stage,
// and regions staged ahead of batch work like exports.
package prefetch

import (
	"github.com/slide-tiles/server/internal/tile"
	"github.com/slide-tiles/server/internal/tilemgr"
)

// Policy decides what to warm beyond the tiles a viewport strictly needs.
type Policy struct {
	// Margin widens Warm regions by whole tiles on every side.
	Margin int
	// AdjacentLevels is how many coarser neighbors OnLevelChange stages.
	AdjacentLevels int
}

// Default returns the policy the viewer service runs with.
func Default() Policy {
	return Policy{Margin: tilemgr.DefaultHaloMargin, AdjacentLevels: 1}
}

// OnViewport issues the visible request for the current viewport. The halo
// ring rides along inside the manager.
func (p Policy) OnViewport(m *tilemgr.Manager, level int, visible tile.Rect, seq uint64) (tilemgr.ViewResult, error) {
	return m.RequestView(level, visible, seq)
}

// OnLevelChange issues the new level's visible request immediately, then
// stages the same region at the next coarser levels so zooming straight
// through lands on a warm cache. Finer neighbors are deliberately not
// staged: one stage finer costs an order of magnitude more tiles, while
// the coarser copy also backs the compositor's fallback path.
func (p Policy) OnLevelChange(m *tilemgr.Manager, newLevel int, visible tile.Rect, seq uint64) (tilemgr.ViewResult, int, error) {
	res, err := m.RequestView(newLevel, visible, seq)
	if err != nil {
		return res, 0, err
	}
	staged := 0
	for d := 1; d <= p.AdjacentLevels; d++ {
		level := newLevel + d
		if level >= m.Pyramid().Levels() {
			break
		}
		n, err := m.Prefetch(level, visible, seq)
		if err != nil {
			return res, staged, err
		}
		staged += n
	}
	return res, staged, nil
}

// Warm stages every tile covering rect at the given level, widened by
// Margin whole tiles, without promoting anything already cached. The export
// path uses it to queue a region ahead of compositing.
func (p Policy) Warm(m *tilemgr.Manager, level int, rect tile.Rect, seq uint64) (int, error) {
	if p.Margin > 0 {
		grown, err := m.Pyramid().HaloRect(level, rect, p.Margin)
		if err != nil {
			return 0, err
		}
		rect = grown
	}
	return m.Prefetch(level, rect, seq)
}
