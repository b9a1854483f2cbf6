// Package bioimg provides read-only access to whole-slide pyramids stored as
// TileDB dense arrays.
//
// A slide is a directory holding a slide.json manifest and one dense array
// per level:
//
//	<base>/slide.json
//	<base>/l_<i>   int64 dims "y","x" in level pixels, uint32 attr "rgba"
//
// Pixels pack as R<<24 | G<<16 | B<<8 | A. Cells never written fall back to
// the array's fill value, so blank glass regions cost nothing on disk.
//
// TileDB needs cgo and the native library, so the real reader is behind the
// "tiledb" build tag. Without it NewReader still resolves the path and loads
// the manifest, but DecodeTile returns ErrUnsupported.
package bioimg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/slide-tiles/server/internal/data/slide"
)

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")
)

// ResolveSlidePath accepts either the slide directory or its slide.json and
// returns the slide directory.
func ResolveSlidePath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errors.New("empty slide path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if filepath.Base(p) == "slide.json" {
		return filepath.Dir(p), nil
	}
	return p, nil
}

type manifest struct {
	FormatVersion  string        `json:"format_version"`
	Name           string        `json:"name"`
	TileSize       int           `json:"tile_size"`
	MPP            float64       `json:"mpp"`
	Vendor         string        `json:"vendor"`
	ObjectivePower float64       `json:"objective_power"`
	Levels         []slide.Level `json:"levels"`
}

// readManifest loads and validates <base>/slide.json. Both the real and the
// stub reader use it, so slide metadata is available in every build.
func readManifest(basePath string) (slide.Info, error) {
	data, err := os.ReadFile(filepath.Join(basePath, "slide.json"))
	if err != nil {
		return slide.Info{}, fmt.Errorf("failed to read slide.json: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return slide.Info{}, fmt.Errorf("failed to parse slide.json: %w", err)
	}
	if len(m.Levels) == 0 {
		return slide.Info{}, errors.New("slide.json lists no levels")
	}
	if m.TileSize <= 0 {
		return slide.Info{}, fmt.Errorf("slide.json has invalid tile_size: %d", m.TileSize)
	}
	for i, l := range m.Levels {
		if l.Width <= 0 || l.Height <= 0 || l.Downsample <= 0 {
			return slide.Info{}, fmt.Errorf("slide.json level %d is invalid: %+v", i, l)
		}
	}

	name := m.Name
	if name == "" {
		name = filepath.Base(filepath.Clean(basePath))
	}
	return slide.Info{
		Name:           name,
		Path:           basePath,
		TileSize:       m.TileSize,
		Levels:         m.Levels,
		MPP:            m.MPP,
		Vendor:         m.Vendor,
		ObjectivePower: m.ObjectivePower,
	}, nil
}

func levelArrayURI(basePath string, level int) string {
	return filepath.Join(basePath, fmt.Sprintf("l_%d", level))
}
