// Package main is the entry point for the slide tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/slide-tiles/server/internal/api"
	"github.com/slide-tiles/server/internal/cache"
	"github.com/slide-tiles/server/internal/config"
	"github.com/slide-tiles/server/internal/data/bioimg"
	"github.com/slide-tiles/server/internal/data/pyramid"
	"github.com/slide-tiles/server/internal/data/slide"
	"github.com/slide-tiles/server/internal/data/synth"
	"github.com/slide-tiles/server/internal/exportstore"
	"github.com/slide-tiles/server/internal/prefetch"
	"github.com/slide-tiles/server/internal/service"
	"github.com/slide-tiles/server/internal/tilemgr"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if _, ok := cfg.Data.Slides[cfg.Data.DefaultSlide]; !ok {
		log.Fatalf("Default slide %q is not configured", cfg.Data.DefaultSlide)
	}

	log.Printf("Starting slide tile server on port %d", cfg.Server.Port)

	// Initialize the encoded-image cache (shared across all slides)
	encoded, err := cache.NewEncodedCache(cfg.Cache.EncodedSizeMB, time.Duration(cfg.Cache.EncodedTTLMinutes)*time.Minute)
	if err != nil {
		log.Fatalf("Failed to initialize encoded cache: %v", err)
	}
	log.Printf("Encoded cache: %s, TTL %dm", humanize.IBytes(uint64(cfg.Cache.EncodedSizeMB)<<20), cfg.Cache.EncodedTTLMinutes)

	// Initialize slide registry
	slideIDs := cfg.Data.SlideIDs()
	registry := api.NewSlideRegistry(cfg.Data.DefaultSlide, slideIDs, cfg.Server.Title)
	defer registry.CloseAll()

	log.Printf("Opening %d slide(s), default: %s", len(slideIDs), cfg.Data.DefaultSlide)

	// Open each slide and wrap it in a tile manager
	for _, slideID := range slideIDs {
		sc := cfg.Data.Slides[slideID]

		src, err := openSource(slideID, sc, cfg.Tiles.TileSize)
		if err != nil {
			log.Fatalf("Failed to open slide %q: %v", slideID, err)
		}
		if sc.SerializeDecode {
			src = slide.Serialize(src)
		}

		mgr, err := tilemgr.Open(src, tilemgr.Config{
			Capacities:   cfg.Tiles.Capacities,
			Workers:      cfg.Tiles.Workers,
			HaloMargin:   cfg.Tiles.Halo,
			DrainOnClose: cfg.Tiles.DrainOnClose,
		})
		if err != nil {
			log.Fatalf("Failed to open tile manager for slide %q: %v", slideID, err)
		}

		svc := service.NewSlideService(service.SlideServiceConfig{
			SlideID: slideID,
			Manager: mgr,
			Encoded: encoded,
			Policy:  prefetch.Default(),
		})
		registry.Register(slideID, svc)

		info := svc.Info()
		log.Printf("  [%s] %s x %s px, %d levels, tile size %d",
			slideID, humanize.Comma(info.Levels[0].Width), humanize.Comma(info.Levels[0].Height),
			info.LevelCount(), info.TileSize)
	}

	// Initialize export job store (SQLite persistence)
	store, err := exportstore.NewStore(cfg.Export.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open export job store: %v", err)
	}
	defer store.Close()

	exports, err := service.NewExportService(service.ExportServiceConfig{
		Store:     store,
		OutputDir: cfg.Export.OutputDir,
		Resolve:   registry.Lookup,
	})
	if err != nil {
		log.Fatalf("Failed to initialize export service: %v", err)
	}

	// Wire up the export service as the job executor
	jobs := api.NewExportJobManager(store, api.ExportJobManagerConfig{
		MaxConcurrent: cfg.Export.MaxConcurrent,
		RetentionDays: cfg.Export.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	jobs.Executor = exports.Execute
	jobs.Cleanup = exports.RemoveExpired
	jobs.Start()
	defer jobs.Stop()
	log.Printf("Export jobs: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Export.MaxConcurrent, cfg.Export.RetentionDays, cfg.Export.SQLitePath)

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		ExportJobs:  jobs,
		Exports:     exports,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// openSource creates a slide source for the configured format. A bioimg
// slide opens even when TileDB support is not compiled in, so metadata
// endpoints stay up while tile decodes report the build limitation.
func openSource(slideID string, sc config.SlideConfig, tileSize int) (slide.Source, error) {
	switch sc.Format {
	case "synthetic":
		return synth.New(synth.Config{
			Name:     slideID,
			Width:    sc.Width,
			Height:   sc.Height,
			Levels:   sc.Levels,
			TileSize: tileSize,
			Seed:     sc.Seed,
		})
	case "pyramid":
		return pyramid.NewReader(sc.Path)
	case "bioimg":
		r, err := bioimg.NewReader(sc.Path)
		if err != nil {
			return nil, err
		}
		if !r.Supported() {
			log.Printf("  [%s] TileDB support not compiled in; tiles will not decode", slideID)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown slide format %q", sc.Format)
	}
}
