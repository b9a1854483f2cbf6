// Package colormap provides the color scales behind the server's
// diagnostic imagery, such as the cache residency heatmap.
package colormap

import (
	"image/color"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap interpolates linearly between a list of color stops.
type LinearColormap struct {
	stops []color.RGBA
}

// At returns the color at position t, clamped to [0, 1].
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[len(c.stops)-1]
	}

	idx := t * float64(len(c.stops)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.stops) {
		upper = len(c.stops) - 1
	}
	return lerp(c.stops[lower], c.stops[upper], idx-float64(lower))
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(a.R) + t*(float64(b.R)-float64(a.R))),
		G: uint8(float64(a.G) + t*(float64(b.G)-float64(a.G))),
		B: uint8(float64(a.B) + t*(float64(b.B)-float64(a.B))),
		A: 255,
	}
}

// Viridis is the matplotlib viridis scale: perceptually uniform and readable
// for the three-state residency maps (absent at 0, pending at 0.5, cached
// at 1 land on clearly distinct colors).
var Viridis = LinearColormap{
	stops: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}
