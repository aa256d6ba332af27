package api

import (
	"github.com/pathway-tiles/server/internal/service"
	"github.com/pathway-tiles/server/pkg/colormap"
)

// MapInfo contains information about a map for the API response.
type MapInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// MapRegistry holds the services of all configured maps.
type MapRegistry struct {
	services   map[string]*service.MapService
	defaultMap string
	mapOrder   []string
	title      string
}

// NewMapRegistry creates a new map registry.
func NewMapRegistry(defaultMap string, title string) *MapRegistry {
	return &MapRegistry{
		services:   make(map[string]*service.MapService),
		defaultMap: defaultMap,
		title:      title,
	}
}

// Register adds a map service. Registration order is listing order.
func (r *MapRegistry) Register(svc *service.MapService) {
	if _, ok := r.services[svc.ID()]; !ok {
		r.mapOrder = append(r.mapOrder, svc.ID())
	}
	r.services[svc.ID()] = svc
}

// Get returns the service for a map, or nil if not found.
func (r *MapRegistry) Get(mapID string) *service.MapService {
	return r.services[mapID]
}

// Default returns the default map's service.
func (r *MapRegistry) Default() *service.MapService {
	return r.services[r.defaultMap]
}

// DefaultMapID returns the default map ID.
func (r *MapRegistry) DefaultMapID() string {
	return r.defaultMap
}

// Services returns all services in registration order.
func (r *MapRegistry) Services() []*service.MapService {
	out := make([]*service.MapService, 0, len(r.mapOrder))
	for _, id := range r.mapOrder {
		out = append(out, r.services[id])
	}
	return out
}

// Title returns the configured site title.
func (r *MapRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Pathway Tiles"
}

// Maps returns map info for all registered maps.
func (r *MapRegistry) Maps() []MapInfo {
	infos := make([]MapInfo, 0, len(r.mapOrder))
	for i, id := range r.mapOrder {
		infos = append(infos, MapInfo{
			ID:    id,
			Name:  r.services[id].Name(),
			Color: colormap.Hex(colormap.Categorical.AtIndex(i)),
		})
	}
	return infos
}
