package service

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slide-tiles/server/internal/data/synth"
	"github.com/slide-tiles/server/internal/exportstore"
	"github.com/slide-tiles/server/internal/tile"
	"github.com/slide-tiles/server/internal/tilemgr"
)

type exportFixture struct {
	svc   *SlideService
	src   *synth.Slide
	store *exportstore.Store
	exp   *ExportService
	dir   string
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	src, err := synth.New(synth.Config{Name: "sample-a", Width: 1024, Height: 1024, Levels: 3, TileSize: 64, Seed: 11})
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}
	mgr, err := tilemgr.Open(src, tilemgr.Config{Capacities: []int{64, 32, 4}, Workers: 2, HaloMargin: -1})
	if err != nil {
		t.Fatalf("tilemgr.Open: %v", err)
	}
	svc := NewSlideService(SlideServiceConfig{SlideID: "sample-a", Manager: mgr})
	t.Cleanup(func() { svc.Close() })

	store, err := exportstore.NewStore(filepath.Join(t.TempDir(), "exports.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	exp, err := NewExportService(ExportServiceConfig{
		Store:     store,
		OutputDir: dir,
		Resolve: func(id string) (*SlideService, bool) {
			if id == "sample-a" {
				return svc, true
			}
			return nil, false
		},
	})
	if err != nil {
		t.Fatalf("NewExportService: %v", err)
	}
	return &exportFixture{svc: svc, src: src, store: store, exp: exp, dir: dir}
}

func queuedExportJob(id string, p exportstore.Params) *exportstore.Job {
	return &exportstore.Job{
		ID:        id,
		SlideID:   p.SlideID,
		Status:    exportstore.JobStatusQueued,
		Params:    p,
		CreatedAt: time.Now().UTC(),
	}
}

func TestValidateParams(t *testing.T) {
	f := newExportFixture(t)

	cases := []struct {
		name    string
		params  exportstore.Params
		wantErr string
	}{
		{
			name:   "valid region",
			params: exportstore.Params{SlideID: "sample-a", Level: 1, W: 512, H: 512},
		},
		{
			name:    "unknown slide",
			params:  exportstore.Params{SlideID: "nope", Level: 0, W: 64, H: 64},
			wantErr: "unknown slide",
		},
		{
			name:    "empty region",
			params:  exportstore.Params{SlideID: "sample-a", Level: 0, W: 0, H: 64},
			wantErr: "empty",
		},
		{
			name:    "region outside slide",
			params:  exportstore.Params{SlideID: "sample-a", Level: 0, X: 5000, Y: 5000, W: 64, H: 64},
			wantErr: "outside",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.exp.ValidateParams(tc.params)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateParams: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}

	if err := f.exp.ValidateParams(exportstore.Params{SlideID: "sample-a", Level: 9, W: 64, H: 64}); !errors.Is(err, tile.ErrOutOfRange) {
		t.Fatalf("level 9 error = %v, want ErrOutOfRange", err)
	}
}

func TestValidateParamsRejectsOversizedOutput(t *testing.T) {
	src, err := synth.New(synth.Config{Name: "huge", Width: 16384, Height: 16384, Levels: 3, TileSize: 256, Seed: 1})
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}
	mgr, err := tilemgr.Open(src, tilemgr.Config{HaloMargin: -1})
	if err != nil {
		t.Fatalf("tilemgr.Open: %v", err)
	}
	svc := NewSlideService(SlideServiceConfig{SlideID: "huge", Manager: mgr})
	t.Cleanup(func() { svc.Close() })

	store, err := exportstore.NewStore(filepath.Join(t.TempDir(), "exports.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	exp, err := NewExportService(ExportServiceConfig{
		Store:     store,
		OutputDir: t.TempDir(),
		Resolve: func(string) (*SlideService, bool) {
			return svc, true
		},
	})
	if err != nil {
		t.Fatalf("NewExportService: %v", err)
	}

	// 16384x16384 at level 0 is 268 megapixels, four times the cap.
	err = exp.ValidateParams(exportstore.Params{SlideID: "huge", Level: 0, W: 16384, H: 16384})
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("error = %v, want size limit", err)
	}
	// The same region one level up is 16 megapixels and fine.
	if err := exp.ValidateParams(exportstore.Params{SlideID: "huge", Level: 1, W: 16384, H: 16384}); err != nil {
		t.Fatalf("level 1 region rejected: %v", err)
	}
}

func TestExecuteExportJob(t *testing.T) {
	f := newExportFixture(t)

	job := queuedExportJob("job-1", exportstore.Params{SlideID: "sample-a", Level: 1, X: 0, Y: 0, W: 1024, H: 1024})
	if err := f.store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := f.exp.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := f.store.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.OutputPath == "" || got.Width != 256 || got.Height != 256 {
		t.Fatalf("result = %q %dx%d, want a 256x256 output", got.OutputPath, got.Width, got.Height)
	}
	if got.Progress.Phase != "encoding" || got.Progress.Done != got.Progress.Total {
		t.Fatalf("progress = %+v, want finished encoding", got.Progress)
	}

	data, err := os.ReadFile(got.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	out := decodePNG(t, data)
	if b := out.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("output is %dx%d, want 256x256", b.Dx(), b.Dy())
	}

	// Full fidelity: the composite carries the source pixels unscaled.
	ref, err := f.src.DecodeTile(1, 1, 1)
	if err != nil {
		t.Fatalf("DecodeTile: %v", err)
	}
	for _, pt := range []image.Point{{70, 70}, {100, 115}} {
		if got, want := out.At(pt.X, pt.Y), ref.At(pt.X-64, pt.Y-64); got != want {
			t.Fatalf("pixel %v = %v, want %v", pt, got, want)
		}
	}
}

func TestExecuteRejectsBadJob(t *testing.T) {
	f := newExportFixture(t)

	job := queuedExportJob("job-bad", exportstore.Params{SlideID: "missing", Level: 0, W: 64, H: 64})
	err := f.exp.Execute(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "unknown slide") {
		t.Fatalf("error = %v, want unknown slide", err)
	}
	if entries, _ := os.ReadDir(f.dir); len(entries) != 0 {
		t.Fatalf("failed job left %d files behind", len(entries))
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	f := newExportFixture(t)

	job := queuedExportJob("job-c", exportstore.Params{SlideID: "sample-a", Level: 1, W: 1024, H: 1024})
	if err := f.store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.exp.Execute(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if entries, _ := os.ReadDir(f.dir); len(entries) != 0 {
		t.Fatalf("cancelled job left %d files behind", len(entries))
	}
}

func TestRemoveExpired(t *testing.T) {
	f := newExportFixture(t)

	job := queuedExportJob("job-old", exportstore.Params{SlideID: "sample-a", Level: 2, W: 1024, H: 1024})
	if err := f.store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	path := filepath.Join(f.dir, "job-old.png")
	if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if err := f.store.UpdateJobResult("job-old", path, 16, 16); err != nil {
		t.Fatalf("UpdateJobResult: %v", err)
	}
	if err := f.store.UpdateJobStatus("job-old", exportstore.JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	// A negative retention puts the cutoff in the future, expiring the job
	// without waiting out the clock.
	n, err := f.exp.RemoveExpired(-1)
	if err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d jobs, want 1", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("output file still present: %v", err)
	}
	if got, err := f.store.GetJob("job-old"); err != nil || got != nil {
		t.Fatalf("job still present: %+v, %v", got, err)
	}
}
