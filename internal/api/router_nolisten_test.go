package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slide-tiles/server/internal/data/synth"
	"github.com/slide-tiles/server/internal/service"
	"github.com/slide-tiles/server/internal/tilemgr"
)

// TestRouterNoListen drives the router through ServeHTTP directly, without
// binding a socket, for environments where listening is off limits.
func TestRouterNoListen(t *testing.T) {
	src, err := synth.New(synth.Config{Name: "local", Width: 512, Height: 512, Levels: 2, TileSize: 64, Seed: 3})
	if err != nil {
		t.Fatalf("Failed to create synthetic slide: %v", err)
	}
	mgr, err := tilemgr.Open(src, tilemgr.Config{Workers: 2, HaloMargin: -1})
	if err != nil {
		t.Fatalf("Failed to open tile manager: %v", err)
	}
	svc := service.NewSlideService(service.SlideServiceConfig{SlideID: "local", Manager: mgr})
	defer svc.Close()

	registry := NewSlideRegistry("local", []string{"local"}, "")
	registry.Register("local", svc)

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodGet, "/d/local/api/metadata", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if got, _ := payload["id"].(string); got != "local" {
		t.Fatalf("unexpected slide id: got %q want %q", got, "local")
	}

	// Exports are not wired; the submit endpoint must say so rather than
	// panic on the nil manager.
	req = httptest.NewRequest(http.MethodPost, "/api/exports", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected %d, got %d: %s", http.StatusNotImplemented, rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/d/local/tiles/1/0/0.png?wait_ms=2000", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
}
