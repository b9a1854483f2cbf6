// Package view models the viewer camera: a center point in slide
// coordinates, a display zoom, and the widget size. It converts that state
// into the slide-space rectangle and pyramid level tile requests work in,
// and between pixels and physical micrometers.
package view

import (
	"math"

	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/tile"
)

// ZoomStep is the zoom factor of one wheel notch.
const ZoomStep = 1.2

// MaxZoom is the largest useful display zoom: past 4 screen pixels per
// slide pixel there is no more detail to show.
const MaxZoom = 4.0

// State is one viewer's camera. Zoom is screen pixels per slide pixel, so
// 1.0 shows the base level at native resolution.
type State struct {
	CX    float64 `json:"cx"`
	CY    float64 `json:"cy"`
	Zoom  float64 `json:"zoom"`
	ViewW int     `json:"view_w"`
	ViewH int     `json:"view_h"`
}

// VisibleRect returns the slide-space rectangle currently on screen,
// expanded outward to whole pixels.
func (s State) VisibleRect() tile.Rect {
	if s.Zoom <= 0 || s.ViewW <= 0 || s.ViewH <= 0 {
		return tile.Rect{}
	}
	w := float64(s.ViewW) / s.Zoom
	h := float64(s.ViewH) / s.Zoom
	x := s.CX - w/2
	y := s.CY - h/2
	return tile.Rect{
		X: int64(math.Floor(x)),
		Y: int64(math.Floor(y)),
		W: int64(math.Ceil(w)),
		H: int64(math.Ceil(h)),
	}
}

// Pan shifts the camera by a screen-pixel drag. Dragging content to the
// right moves the center left.
func (s State) Pan(dx, dy float64) State {
	if s.Zoom <= 0 {
		return s
	}
	s.CX -= dx / s.Zoom
	s.CY -= dy / s.Zoom
	return s
}

// ZoomAt multiplies the zoom by factor while keeping the slide point under
// the screen position (sx, sy) fixed, the usual zoom-to-cursor behavior.
func (s State) ZoomAt(factor, sx, sy float64) State {
	if s.Zoom <= 0 || factor <= 0 {
		return s
	}
	// Slide point under the cursor before the zoom change.
	ax := s.CX + (sx-float64(s.ViewW)/2)/s.Zoom
	ay := s.CY + (sy-float64(s.ViewH)/2)/s.Zoom

	s.Zoom *= factor
	s.CX = ax - (sx-float64(s.ViewW)/2)/s.Zoom
	s.CY = ay - (sy-float64(s.ViewH)/2)/s.Zoom
	return s
}

// ClampCenter keeps the camera center inside the slide bounds.
func (s State) ClampCenter(bounds tile.Rect) State {
	s.CX = math.Min(math.Max(s.CX, float64(bounds.X)), float64(bounds.X+bounds.W))
	s.CY = math.Min(math.Max(s.CY, float64(bounds.Y)), float64(bounds.Y+bounds.H))
	return s
}

// FitZoom returns the zoom at which the whole slide fits the widget.
func FitZoom(bounds tile.Rect, viewW, viewH int) float64 {
	if bounds.Empty() || viewW <= 0 || viewH <= 0 {
		return 1
	}
	return math.Min(float64(viewW)/float64(bounds.W), float64(viewH)/float64(bounds.H))
}

// ClampZoom limits a zoom value to [lo, hi].
func ClampZoom(z, lo, hi float64) float64 {
	return math.Min(math.Max(z, lo), hi)
}

// StageLevel maps a display zoom to a pyramid level with the viewer's
// stepped thresholds, clamped to the pyramid depth. The thresholds are
// tuned for the usual 4-level 4x pyramids: stay on the base level down to
// 0.3, then hand off one level at each decade-ish boundary.
func StageLevel(zoom float64, levels int) int {
	if levels <= 0 {
		return 0
	}
	var l int
	switch {
	case zoom > 0.3:
		l = 0
	case zoom > 0.03:
		l = 1
	case zoom > 0.004:
		l = 2
	default:
		l = 3
	}
	if l >= levels {
		l = levels - 1
	}
	return l
}

// PixelsToMicrons converts a slide-pixel distance to micrometers, or 0 for
// an uncalibrated slide.
func PixelsToMicrons(info slide.Info, px float64) float64 {
	if info.MPP <= 0 {
		return 0
	}
	return px * info.MPP
}

// MicronsToPixels converts a micrometer distance to slide pixels, or 0 for
// an uncalibrated slide.
func MicronsToPixels(info slide.Info, um float64) float64 {
	if info.MPP <= 0 {
		return 0
	}
	return um / info.MPP
}

// FieldOfView returns the physical size of a slide-space rectangle in
// micrometers, or zeros for an uncalibrated slide.
func FieldOfView(info slide.Info, r tile.Rect) (wUM, hUM float64) {
	if info.MPP <= 0 {
		return 0, 0
	}
	return float64(r.W) * info.MPP, float64(r.H) * info.MPP
}
