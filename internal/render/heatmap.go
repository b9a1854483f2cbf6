package render

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/slide-tiles/server/pkg/colormap"
)

// CacheHeatmap draws a tile-residency grid as produced by the manager's
// CacheMap: row-major cells valued 0 (absent), 1 (pending) or 2 (cached),
// mapped onto the colormap at 0, 0.5 and 1. Each cell is cellPx pixels
// with a one-pixel gutter.
func CacheHeatmap(grid [][]uint8, cellPx int, cmap colormap.Colormap) image.Image {
	rows := len(grid)
	cols := 0
	if rows > 0 {
		cols = len(grid[0])
	}
	if rows == 0 || cols == 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	if cellPx <= 0 {
		cellPx = 8
	}

	dc := gg.NewContext(cols*cellPx, rows*cellPx)
	dc.SetColor(color.White)
	dc.Clear()
	for row, cells := range grid {
		for col, state := range cells {
			dc.SetColor(cmap.At(float64(state) / 2))
			dc.DrawRectangle(float64(col*cellPx), float64(row*cellPx), float64(cellPx-1), float64(cellPx-1))
			dc.Fill()
		}
	}
	return dc.Image()
}
