// Package api provides HTTP handlers for the pathway tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pathway-tiles/server/internal/cache"
	"github.com/pathway-tiles/server/internal/minerva"
	"github.com/pathway-tiles/server/internal/projection"
	"github.com/pathway-tiles/server/internal/render"
	"github.com/pathway-tiles/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *MapRegistry
	CORSOrigins []string
	Renderer    *render.TileRenderer
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Tile-Status"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/maps", mapsHandler(cfg.Registry))
	r.Get("/api/stats", statsHandler(cfg.Cache))
	r.Get("/markers/{kind}.png", markerHandler(cfg.Renderer, cfg.Cache))

	// Map-scoped routes: /m/{map}/...
	r.Route("/m/{map}", func(r chi.Router) {
		r.Use(mapMiddleware(cfg.Registry))

		r.Get("/tiles/{z}/{x}/{y}.png", tileHandler(cfg.Renderer))

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Post("/reload", reloadHandler)
			r.Get("/history", historyHandler)
			r.Get("/transform/pixel", pixelToGeoHandler)
			r.Get("/transform/geo", geoToPixelHandler)
			r.Get("/tiles/{z}/{x}/{y}", tileRefHandler)
			r.Get("/tiles/{z}", tileRangeHandler)
			r.Get("/click", clickHandler)
		})
	})

	return r
}

// Context key for map service
type ctxKey string

const mapServiceKey ctxKey = "mapService"

// tileStatusUnavailable marks an empty tile served because the real one could
// not be fetched.
const tileStatusUnavailable = "unavailable"

// mapMiddleware resolves the map from URL and injects its service into context.
func mapMiddleware(registry *MapRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mapID := chi.URLParam(r, "map")
			svc := registry.Get(mapID)
			if svc == nil {
				http.Error(w, "map not found: "+mapID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), mapServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getMapService(r *http.Request) *service.MapService {
	if svc, ok := r.Context().Value(mapServiceKey).(*service.MapService); ok {
		return svc
	}
	return nil
}

// mapsHandler returns the list of available maps.
func mapsHandler(registry *MapRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default": registry.DefaultMapID(),
			"maps":    registry.Maps(),
			"title":   registry.Title(),
		})
	}
}

// ZoomRange is the tile bound of one zoom level.
type ZoomRange struct {
	Zoom int                  `json:"zoom"`
	Max  projection.TileRange `json:"max"`
}

// MetadataResponse describes a calibrated map to a client.
type MetadataResponse struct {
	MapID       string               `json:"map_id"`
	Name        string               `json:"name"`
	Calibration *service.Calibration `json:"calibration"`
	Center      projection.GeoPoint  `json:"center"`
	InitialZoom int                  `json:"initial_zoom"`
	MaxLatitude float64              `json:"max_latitude"`
	TileURL     string               `json:"tile_url"`
	Zooms       []ZoomRange          `json:"zooms"`
}

func newMetadataResponse(svc *service.MapService, snap *service.Calibration) MetadataResponse {
	zooms := make([]ZoomRange, 0, snap.Metadata.MaxZoom-snap.Metadata.MinZoom+1)
	for z := snap.Metadata.MinZoom; z <= snap.Metadata.MaxZoom; z++ {
		zooms = append(zooms, ZoomRange{Zoom: z, Max: projection.RangeAt(z, snap.Metadata)})
	}
	return MetadataResponse{
		MapID:       svc.ID(),
		Name:        svc.Name(),
		Calibration: snap,
		Center:      snap.Center(),
		InitialZoom: svc.InitialZoom(),
		MaxLatitude: projection.MaxLatitude,
		TileURL:     "/m/" + svc.ID() + "/tiles/{z}/{x}/{y}.png",
		Zooms:       zooms,
	}
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	snap, err := svc.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, newMetadataResponse(svc, snap))
}

func reloadHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	snap, err := svc.Reload(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, newMetadataResponse(svc, snap))
}

func historyHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	records, err := svc.History(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, records)
}

// statsHandler returns cache statistics.
func statsHandler(cacheManager *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cacheManager.Stats())
	}
}

func pixelToGeoHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	x, err := parseFloatParam(r, "x")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	y, err := parseFloatParam(r, "y")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := svc.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"geo":     snap.Constants.PixelToGeo(projection.PixelPoint{X: x, Y: y}),
		"version": snap.Version,
	})
}

func geoToPixelHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	g, err := parseGeoParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := svc.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	p := snap.Constants.GeoToPixel(g)
	writeJSON(w, map[string]interface{}{
		"pixel":   p,
		"inside":  snap.Metadata.Contains(p),
		"version": snap.Version,
	})
}

func tileRefHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	z, x, y, err := parseTileParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ref, err := svc.ResolveTile(z, x, y)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ref)
}

func tileRangeHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		http.Error(w, "invalid z", http.StatusBadRequest)
		return
	}
	snap, err := svc.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	if !snap.ZoomAllowed(z) {
		writeError(w, fmt.Errorf("%w: %d", service.ErrZoomOutOfRange, z))
		return
	}
	writeJSON(w, map[string]interface{}{
		"zoom":  z,
		"max":   projection.RangeAt(z, snap.Metadata),
		"tiles": projection.TilesAt(z, snap.Metadata),
	})
}

func tileHandler(renderer *render.TileRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc := getMapService(r)
		z, x, y, err := parseTileParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		status := service.TilePresent.String()
		cacheControl := "public, max-age=3600"
		data, err := svc.GetTile(r.Context(), z, x, y)
		switch {
		case err == nil:
		case errors.Is(err, service.ErrTileAbsent), errors.Is(err, service.ErrZoomOutOfRange),
			errors.Is(err, minerva.ErrTileNotFound):
			status = service.TileAbsent.String()
			data, _ = renderer.EmptyTile()
		default:
			// Upstream or calibration trouble; the empty tile must not stick.
			log.Printf("[Tiles] %s %d/%d/%d: %v", svc.ID(), z, x, y, err)
			status = tileStatusUnavailable
			cacheControl = "no-store"
			data, _ = renderer.EmptyTile()
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", cacheControl)
		w.Header().Set("X-Tile-Status", status)
		w.Write(data)
	}
}

func clickHandler(w http.ResponseWriter, r *http.Request) {
	svc := getMapService(r)
	g, err := parseGeoParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := svc.ResolveClick(r.Context(), g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func markerHandler(renderer *render.TileRenderer, cacheManager *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		key := cache.MarkerKey(kind, renderer.MarkerSize())

		data, ok := cacheManager.GetTile(key)
		if !ok {
			var err error
			data, err = renderer.RenderMarker(kind)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			cacheManager.SetTile(key, data)
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(data)
	}
}

func parseTileParams(r *http.Request) (int, int, int, error) {
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return 0, 0, 0, errors.New("invalid z")
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		return 0, 0, 0, errors.New("invalid x")
	}
	y, err := strconv.Atoi(strings.TrimSuffix(chi.URLParam(r, "y"), ".png"))
	if err != nil {
		return 0, 0, 0, errors.New("invalid y")
	}
	return z, x, y, nil
}

func parseGeoParams(r *http.Request) (projection.GeoPoint, error) {
	lon, err := parseFloatParam(r, "lon")
	if err != nil {
		return projection.GeoPoint{}, err
	}
	lat, err := parseFloatParam(r, "lat")
	if err != nil {
		return projection.GeoPoint{}, err
	}
	return projection.GeoPoint{Lon: lon, Lat: lat}, nil
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, fmt.Errorf("missing required query param: %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *minerva.APIError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotCalibrated):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrZoomOutOfRange):
		status = http.StatusBadRequest
	case errors.As(err, &apiErr), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
