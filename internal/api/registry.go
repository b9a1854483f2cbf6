package api

import (
	"github.com/slide-tiles/server/internal/service"
)

// SlideInfo is one entry in the slide list response.
type SlideInfo struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Width  int64   `json:"width"`
	Height int64   `json:"height"`
	Levels int     `json:"levels"`
	MPP    float64 `json:"mpp,omitempty"`
}

// SlideRegistry holds the services for all configured slides.
type SlideRegistry struct {
	services     map[string]*service.SlideService
	defaultSlide string
	slideOrder   []string
	title        string
}

// NewSlideRegistry creates a registry. order fixes the listing order, which
// follows the config file rather than map iteration.
func NewSlideRegistry(defaultSlide string, order []string, title string) *SlideRegistry {
	return &SlideRegistry{
		services:     make(map[string]*service.SlideService),
		defaultSlide: defaultSlide,
		slideOrder:   order,
		title:        title,
	}
}

// Register adds the service for a slide.
func (r *SlideRegistry) Register(slideID string, svc *service.SlideService) {
	r.services[slideID] = svc
}

// Get returns the service for a slide, or nil if not found.
func (r *SlideRegistry) Get(slideID string) *service.SlideService {
	return r.services[slideID]
}

// Lookup is Get with an ok flag, in the shape the export executor resolves
// slides with.
func (r *SlideRegistry) Lookup(slideID string) (*service.SlideService, bool) {
	svc, ok := r.services[slideID]
	return svc, ok
}

// Default returns the default slide's service.
func (r *SlideRegistry) Default() *service.SlideService {
	return r.services[r.defaultSlide]
}

// DefaultSlideID returns the default slide ID.
func (r *SlideRegistry) DefaultSlideID() string {
	return r.defaultSlide
}

// SlideIDs returns all slide IDs in config order.
func (r *SlideRegistry) SlideIDs() []string {
	return r.slideOrder
}

// Title returns the configured site title.
func (r *SlideRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Slide-Tiles"
}

// Slides returns the listing entries for all registered slides.
func (r *SlideRegistry) Slides() []SlideInfo {
	infos := make([]SlideInfo, 0, len(r.slideOrder))
	for _, id := range r.slideOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		md := svc.Metadata()
		infos = append(infos, SlideInfo{
			ID:     id,
			Name:   md.Name,
			Width:  md.Width,
			Height: md.Height,
			Levels: len(md.Levels),
			MPP:    md.MPP,
		})
	}
	return infos
}

// CloseAll closes every registered service. The first error wins; the rest
// still close.
func (r *SlideRegistry) CloseAll() error {
	var first error
	for _, id := range r.slideOrder {
		if svc := r.services[id]; svc != nil {
			if err := svc.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
