// Package render composites cached tiles into viewable images: best-effort
// viewport renders, thumbnails, pooled PNG encoding and the debug cache
// heatmap.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// PNGEncoder encodes images with the stdlib fast encoder over a pooled
// scratch buffer, keeping per-request allocations flat under load.
type PNGEncoder struct {
	pool sync.Pool
}

// NewPNGEncoder creates a pooled PNG encoder.
func NewPNGEncoder() *PNGEncoder {
	return &PNGEncoder{
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Encode returns img as PNG bytes. The returned slice is freshly allocated
// and safe to retain.
func (e *PNGEncoder) Encode(img image.Image) ([]byte, error) {
	buf := e.pool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.pool.Put(buf)
	}()

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Thumbnail scales img down so its longer side is at most maxDim, keeping
// the aspect ratio. Images already small enough are copied unscaled.
func Thumbnail(img image.Image, maxDim int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || w <= 0 || h <= 0 {
		return image.NewRGBA(image.Rectangle{})
	}

	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxDim {
		out := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Copy(out, image.Point{}, img, b, draw.Src, nil)
		return out
	}

	scale := float64(maxDim) / float64(longest)
	tw := int(math.Round(float64(w) * scale))
	th := int(math.Round(float64(h) * scale))
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}
