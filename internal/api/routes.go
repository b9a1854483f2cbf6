package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/slide-tiles/server/internal/exportstore"
	"github.com/slide-tiles/server/internal/service"
	"github.com/slide-tiles/server/internal/tile"
	"github.com/slide-tiles/server/internal/tilemgr"
)

const (
	maxTileWait = 30 * time.Second
	maxViewWait = 10 * time.Second
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *SlideRegistry
	CORSOrigins []string
	ExportJobs  *ExportJobManager
	Exports     *service.ExportService
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global slide listing (not slide-scoped)
	r.Get("/api/slides", slidesHandler(cfg.Registry))

	// Global export job endpoints (the request body names the slide)
	r.Route("/api/exports", func(r chi.Router) {
		r.Post("/", exportSubmitHandler(cfg.Registry, cfg.ExportJobs, cfg.Exports))
		r.Get("/{job_id}", exportStatusHandler(cfg.ExportJobs))
		r.Get("/{job_id}/result", exportResultHandler(cfg.ExportJobs))
		r.Delete("/{job_id}", exportCancelHandler(cfg.ExportJobs))
	})

	// Slide-scoped routes: /d/{slide}/...
	r.Route("/d/{slide}", func(r chi.Router) {
		r.Use(slideMiddleware(cfg.Registry))

		r.Get("/tiles/{level}/{col}/{row}.png", slideTileHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", slideMetadataHandler)
			r.Get("/view", slideViewHandler)
			r.Get("/thumbnail.png", slideThumbnailHandler)
			r.Get("/stats", slideStatsHandler)
			r.Get("/debug/cache/{level}.png", slideCacheDebugHandler)
		})
	})

	return r
}

// Context key for the slide service
type ctxKey string

const slideServiceKey ctxKey = "slideService"

// slideMiddleware resolves the slide from the URL and injects its service
// into the request context.
func slideMiddleware(registry *SlideRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slideID := chi.URLParam(r, "slide")
			svc := registry.Get(slideID)
			if svc == nil {
				http.Error(w, "slide not found: "+slideID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), slideServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSlideService(r *http.Request) *service.SlideService {
	if svc, ok := r.Context().Value(slideServiceKey).(*service.SlideService); ok {
		return svc
	}
	return nil
}

// slidesHandler returns the list of available slides.
func slidesHandler(registry *SlideRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"default": registry.DefaultSlideID(),
			"slides":  registry.Slides(),
			"title":   registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// Slide-scoped handlers (get service from context)
func slideTileHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	tileHandler(svc)(w, r)
}

func slideMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	metadataHandler(svc)(w, r)
}

func slideViewHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	viewHandler(svc)(w, r)
}

func slideThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	thumbnailHandler(svc)(w, r)
}

func slideStatsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	statsHandler(svc)(w, r)
}

func slideCacheDebugHandler(w http.ResponseWriter, r *http.Request) {
	svc := getSlideService(r)
	if svc == nil {
		http.Error(w, "slide service not found", http.StatusInternalServerError)
		return
	}
	cacheDebugHandler(svc)(w, r)
}

// Original handlers (take service as parameter)
func tileHandler(svc *service.SlideService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := strconv.Atoi(chi.URLParam(r, "level"))
		if err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		col, err := strconv.Atoi(chi.URLParam(r, "col"))
		if err != nil {
			http.Error(w, "invalid col", http.StatusBadRequest)
			return
		}
		row, err := strconv.Atoi(chi.URLParam(r, "row"))
		if err != nil {
			http.Error(w, "invalid row", http.StatusBadRequest)
			return
		}

		wait := parseWait(r.URL.Query(), service.DefaultTileWait, maxTileWait)
		data, err := svc.TilePNG(level, col, row, wait)
		if err != nil {
			status := tileErrorStatus(err)
			if status == http.StatusServiceUnavailable {
				w.Header().Set("Retry-After", "1")
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func metadataHandler(svc *service.SlideService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.Metadata())
	}
}

func viewHandler(svc *service.SlideService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cx, err := strconv.ParseFloat(q.Get("cx"), 64)
		if err != nil {
			http.Error(w, "invalid cx", http.StatusBadRequest)
			return
		}
		cy, err := strconv.ParseFloat(q.Get("cy"), 64)
		if err != nil {
			http.Error(w, "invalid cy", http.StatusBadRequest)
			return
		}
		zoom, err := strconv.ParseFloat(q.Get("zoom"), 64)
		if err != nil || zoom <= 0 {
			http.Error(w, "invalid zoom", http.StatusBadRequest)
			return
		}
		width, height := 1024, 768
		if s := q.Get("w"); s != "" {
			if width, err = strconv.Atoi(s); err != nil || width <= 0 {
				http.Error(w, "invalid w", http.StatusBadRequest)
				return
			}
		}
		if s := q.Get("h"); s != "" {
			if height, err = strconv.Atoi(s); err != nil || height <= 0 {
				http.Error(w, "invalid h", http.StatusBadRequest)
				return
			}
		}

		data, vi, err := svc.ViewPNG(service.ViewParams{
			CX:   cx,
			CY:   cy,
			Zoom: zoom,
			W:    width,
			H:    height,
			Wait: parseWait(q, 0, maxViewWait),
		})
		if err != nil {
			http.Error(w, err.Error(), tileErrorStatus(err))
			return
		}

		w.Header().Set("Content-Type", "image/png")
		// A composite can carry placeholders that resolve moments later.
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-View-Level", strconv.Itoa(vi.Level))
		w.Header().Set("X-View-Pending", strconv.Itoa(vi.Pending))
		w.Header().Set("X-View-Complete", strconv.FormatBool(vi.Cached || vi.Stats.Complete()))
		w.Write(data)
	}
}

func thumbnailHandler(svc *service.SlideService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size := 0
		if s := r.URL.Query().Get("size"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				http.Error(w, "invalid size", http.StatusBadRequest)
				return
			}
			size = v
		}

		data, err := svc.ThumbnailPNG(size)
		if err != nil {
			http.Error(w, err.Error(), tileErrorStatus(err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func statsHandler(svc *service.SlideService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.Stats())
	}
}

func cacheDebugHandler(svc *service.SlideService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := strconv.Atoi(chi.URLParam(r, "level"))
		if err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
		data, err := svc.HeatmapPNG(level)
		if err != nil {
			http.Error(w, err.Error(), tileErrorStatus(err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(data)
	}
}

// Export job handlers

type exportSubmitRequest struct {
	Slide string `json:"slide"`
	Level int    `json:"level"`
	X     int64  `json:"x"`
	Y     int64  `json:"y"`
	W     int64  `json:"w"`
	H     int64  `json:"h"`
}

func exportSubmitHandler(registry *SlideRegistry, jm *ExportJobManager, exp *service.ExportService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil || exp == nil {
			http.Error(w, "exports not configured", http.StatusNotImplemented)
			return
		}

		var req exportSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Slide == "" {
			http.Error(w, "slide is required", http.StatusBadRequest)
			return
		}
		if _, ok := registry.Lookup(req.Slide); !ok {
			http.Error(w, "slide not found: "+req.Slide, http.StatusNotFound)
			return
		}

		params := exportstore.Params{
			SlideID: req.Slide,
			Level:   req.Level,
			X:       req.X,
			Y:       req.Y,
			W:       req.W,
			H:       req.H,
		}
		if err := exp.ValidateParams(params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(params)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrShuttingDown) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, "failed to submit job: "+err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func exportStatusHandler(jm *ExportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "exports not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(job)
	}
}

func exportResultHandler(jm *ExportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "exports not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != exportstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}
		if job.OutputPath == "" {
			http.Error(w, "job has no result file", http.StatusNotFound)
			return
		}
		info, err := os.Stat(job.OutputPath)
		if err != nil || info.IsDir() {
			http.Error(w, "result file missing", http.StatusNotFound)
			return
		}

		filename := fmt.Sprintf("%s_l%d_%d-%d_%dx%d.png", job.SlideID, job.Params.Level, job.Params.X, job.Params.Y, job.Width, job.Height)
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
		if disposition != "" {
			w.Header().Set("Content-Disposition", disposition)
		} else {
			w.Header().Set("Content-Disposition", "attachment")
		}
		w.Header().Set("Content-Type", "image/png")

		http.ServeFile(w, r, job.OutputPath)
	}
}

func exportCancelHandler(jm *ExportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "exports not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Active jobs are cancelled; finished ones are deleted outright.
		if job.Status.Terminal() {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"job_id":  jobID,
				"deleted": true,
			})
			return
		}

		jm.Cancel(jobID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id":    jobID,
			"cancelled": true,
		})
	}
}

// parseWait reads wait_ms, falling back to def and capping at max.
func parseWait(q url.Values, def, max time.Duration) time.Duration {
	s := q.Get("wait_ms")
	if s == "" {
		return def
	}
	ms, err := strconv.Atoi(s)
	if err != nil || ms < 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

func tileErrorStatus(err error) int {
	switch {
	case errors.Is(err, tile.ErrOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotReady), errors.Is(err, tilemgr.ErrSlideClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
