//go:build tiledb

package bioimg

import (
	"fmt"
	"image"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/tile"
)

// Reader decodes tiles from per-level TileDB dense arrays. Arrays are opened
// per call, so concurrent DecodeTile calls do not share query state.
type Reader struct {
	basePath string
	info     slide.Info
	pyr      tile.Pyramid
	ctx      *tiledb.Context
}

func NewReader(path string) (*Reader, error) {
	basePath, err := ResolveSlidePath(path)
	if err != nil {
		return nil, err
	}
	info, err := readManifest(basePath)
	if err != nil {
		return nil, err
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		basePath: basePath,
		info:     info,
		pyr:      info.Pyramid(),
		ctx:      ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) Info() slide.Info { return r.info }

// DecodeTile reads one tile's pixel block from the level array.
func (r *Reader) DecodeTile(level, col, row int) (*image.RGBA, error) {
	region, err := r.pyr.TileRegion(tile.Key{Level: level, Col: col, Row: row})
	if err != nil {
		return nil, err
	}
	w, h := int(region.W), int(region.H)

	uri := levelArrayURI(r.basePath, level)
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open level array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open level array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	// Ranges are inclusive on both ends.
	if err := sub.AddRangeByName("y", tiledb.MakeRange[int64](region.Y, region.Y+region.H-1)); err != nil {
		return nil, fmt.Errorf("failed to add y range: %w", err)
	}
	if err := sub.AddRangeByName("x", tiledb.MakeRange[int64](region.X, region.X+region.W-1)); err != nil {
		return nil, fmt.Errorf("failed to add x range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()

	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	out := make([]uint32, w*h)
	if _, err := q.SetDataBuffer("rgba", out); err != nil {
		return nil, fmt.Errorf("failed to set buffer rgba: %w", err)
	}

	if err := q.Submit(); err != nil {
		return nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, fmt.Errorf("query status failed: %w", err)
	}
	// The buffer holds the whole dense block, so a single submit must finish.
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("unexpected query status for tile %d/%d/%d: %v", level, col, row, status)
	}

	elems, err := q.ResultBufferElements()
	if err != nil {
		return nil, fmt.Errorf("failed to get result buffer elements: %w", err)
	}
	if got := int(elems["rgba"][1]); got != w*h {
		return nil, fmt.Errorf("tile %d/%d/%d returned %d cells, expected %d", level, col, row, got, w*h)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, v := range out {
		p := i * 4
		img.Pix[p] = byte(v >> 24)
		img.Pix[p+1] = byte(v >> 16)
		img.Pix[p+2] = byte(v >> 8)
		img.Pix[p+3] = byte(v)
	}
	return img, nil
}

// Close releases the TileDB context.
func (r *Reader) Close() error {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	return nil
}
