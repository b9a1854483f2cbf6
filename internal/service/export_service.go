package service

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/slide-tiles/server/internal/exportstore"
	"github.com/slide-tiles/server/internal/tile"
)

// MaxExportPixels caps the output size of a region export. 64 megapixels
// is a 256MB RGBA buffer, the largest composite worth holding in memory.
const MaxExportPixels = 1 << 26

const (
	// DefaultStripeWait bounds the decode wait for one export stripe.
	DefaultStripeWait = 30 * time.Second

	stripeTileRows = 1
)

// ExportServiceConfig wires the export executor.
type ExportServiceConfig struct {
	Store     *exportstore.Store
	OutputDir string
	// Resolve maps a slide ID to its open service. Usually the registry's
	// lookup method.
	Resolve func(slideID string) (*SlideService, bool)
	// StripeWait bounds the decode wait per stripe. Defaults to
	// DefaultStripeWait.
	StripeWait time.Duration
}

// ExportService renders slide regions to PNG files on disk. Execute runs
// one job at a time on the job manager's worker; the heavy lifting happens
// inside the slide's tile manager, stripe by stripe, so an export never
// holds more than one stripe of fresh decodes beyond the final composite.
type ExportService struct {
	store      *exportstore.Store
	outputDir  string
	resolve    func(string) (*SlideService, bool)
	stripeWait time.Duration
}

// NewExportService creates the executor and its output directory.
func NewExportService(cfg ExportServiceConfig) (*ExportService, error) {
	if cfg.Store == nil || cfg.Resolve == nil {
		return nil, fmt.Errorf("export service needs a store and a resolver")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "exports"
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export output dir: %w", err)
	}
	wait := cfg.StripeWait
	if wait <= 0 {
		wait = DefaultStripeWait
	}
	return &ExportService{
		store:      cfg.Store,
		outputDir:  cfg.OutputDir,
		resolve:    cfg.Resolve,
		stripeWait: wait,
	}, nil
}

// ValidateParams rejects export requests that cannot succeed: unknown
// slides, levels outside the pyramid, regions that miss the slide, and
// outputs over MaxExportPixels. Handlers call this before queueing.
func (e *ExportService) ValidateParams(p exportstore.Params) error {
	svc, ok := e.resolve(p.SlideID)
	if !ok {
		return fmt.Errorf("unknown slide %q", p.SlideID)
	}
	if p.W <= 0 || p.H <= 0 {
		return fmt.Errorf("region %dx%d is empty", p.W, p.H)
	}
	pyr := svc.Manager().Pyramid()
	lr, err := pyr.LevelRect(p.Level, tile.Rect{X: p.X, Y: p.Y, W: p.W, H: p.H})
	if err != nil {
		return err
	}
	if lr.W <= 0 || lr.H <= 0 {
		return fmt.Errorf("region %d,%d %dx%d lies outside the slide", p.X, p.Y, p.W, p.H)
	}
	if lr.W*lr.H > MaxExportPixels {
		return fmt.Errorf("region is %d pixels at level %d, limit is %d", lr.W*lr.H, p.Level, MaxExportPixels)
	}
	return nil
}

// Execute runs one export job to completion: composite the region stripe
// by stripe at full fidelity, encode it, and record the output file. The
// returned error is the job's failure reason; nil means completed with the
// result already stored.
func (e *ExportService) Execute(ctx context.Context, job *exportstore.Job) error {
	p := job.Params
	if err := e.ValidateParams(p); err != nil {
		return err
	}
	svc, _ := e.resolve(p.SlideID)
	pyr := svc.Manager().Pyramid()
	info := svc.Info()

	rect := tile.Rect{X: p.X, Y: p.Y, W: p.W, H: p.H}
	lr, err := pyr.LevelRect(p.Level, rect)
	if err != nil {
		return err
	}

	stripePx := int64(info.TileSize) * stripeTileRows
	total := int((lr.H + stripePx - 1) / stripePx)
	if err := e.store.UpdateJobProgress(job.ID, "compositing", 0, total); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}

	// Decodes for the whole region run ahead of the stripe loop when the
	// level cache can hold all of them.
	if n, _ := svc.WarmRegion(p.Level, rect); n > 0 {
		log.Printf("[Export] job %s: staged %d tiles", job.ID, n)
	}

	out := image.NewRGBA(image.Rect(0, 0, int(lr.W), int(lr.H)))
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		y := lr.Y + int64(i)*stripePx
		h := min(stripePx, lr.Y+lr.H-y)
		stripe := tile.Rect{X: lr.X, Y: y, W: lr.W, H: h}
		img, err := e.renderStripe(svc, p.Level, stripe)
		if err != nil {
			return fmt.Errorf("failed to render stripe %d/%d: %w", i+1, total, err)
		}
		top := int(y - lr.Y)
		draw.Draw(out, image.Rect(0, top, int(lr.W), top+int(h)), img, image.Point{}, draw.Src)
		if err := e.store.UpdateJobProgress(job.ID, "compositing", i+1, total); err != nil {
			return fmt.Errorf("failed to record progress: %w", err)
		}
	}

	if err := e.store.UpdateJobProgress(job.ID, "encoding", total, total); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	path := filepath.Join(e.outputDir, job.ID+".png")
	if err := writePNG(path, out); err != nil {
		return err
	}
	if err := e.store.UpdateJobResult(job.ID, path, int(lr.W), int(lr.H)); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}

// renderStripe composites one stripe in level coordinates at full
// fidelity. An incomplete composite means decoded tiles were evicted
// before the render; one re-request repairs that, a second miss fails.
func (e *ExportService) renderStripe(svc *SlideService, level int, stripe tile.Rect) (*image.RGBA, error) {
	slideStripe, err := svc.Manager().Pyramid().SlideRect(level, stripe)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		img, stats, err := svc.RenderRegionSync(level, slideStripe, time.Now().Add(e.stripeWait))
		if err != nil {
			return nil, err
		}
		if stats.Complete() {
			return img, nil
		}
		if attempt >= 1 {
			return nil, fmt.Errorf("%d of %d tiles missing after retry", stats.Fallback+stats.Missing, stats.Full+stats.Fallback+stats.Missing)
		}
	}
}

// RemoveExpired deletes finished jobs past the retention window together
// with their output files. Returns how many jobs were removed.
func (e *ExportService) RemoveExpired(retentionDays int) (int, error) {
	paths, err := e.store.DeleteExpiredJobs(retentionDays)
	for _, p := range paths {
		if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("[Export] failed to remove %s: %v", p, rmErr)
		}
	}
	return len(paths), err
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(f, img); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	return nil
}
