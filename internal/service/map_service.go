// Package service provides per-map business logic for the tile server.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pathway-tiles/server/internal/cache"
	"github.com/pathway-tiles/server/internal/calstore"
	"github.com/pathway-tiles/server/internal/minerva"
	"github.com/pathway-tiles/server/internal/projection"
)

var (
	// ErrNotCalibrated is returned before the first successful Load.
	ErrNotCalibrated = errors.New("map is not calibrated")
	// ErrModelNotFound is returned when the configured model is missing upstream.
	ErrModelNotFound = errors.New("model not found")
	// ErrOverlayNotFound is returned when no overlay image exists for the model.
	ErrOverlayNotFound = errors.New("overlay not found")

	errNoSource = errors.New("no upstream source configured")
)

// Calibration sources.
const (
	SourceAPI    = "api"
	SourceStore  = "store"
	SourceStatic = "static"
)

// Source is the remote API the service reads from.
type Source interface {
	Project(ctx context.Context, projectID string) (*minerva.Project, error)
	Models(ctx context.Context, projectID string) ([]minerva.Model, error)
	Overlays(ctx context.Context, projectID string) ([]minerva.Overlay, error)
	SearchByCoordinates(ctx context.Context, projectID string, modelID int, x, y float64, count int) ([]minerva.BioEntityRef, error)
	Elements(ctx context.Context, projectID string, modelID int, ids []int) ([]minerva.Element, error)
	Reactions(ctx context.Context, projectID string, modelID int, ids []int) ([]minerva.Reaction, error)
	FetchTile(ctx context.Context, tileURL string) ([]byte, error)
	OverlayBaseURL(projectDirectory, imagePath string) string
	// CachePrefix is the query cache key prefix of a project's responses.
	CachePrefix(projectID string) string
}

// MapServiceConfig contains map service configuration.
type MapServiceConfig struct {
	MapID     string
	Name      string
	ProjectID string
	// ModelID selects the diagram; 0 means the project's first model.
	ModelID int
	// Overlay selects the image overlay by name; empty means the first
	// overlay that has images for the model.
	Overlay string

	// Static metadata is used when neither the API nor the store can
	// provide a calibration.
	Static           projection.DiagramMetadata
	StaticOverlayURL string
	InitialZoom      int

	Source Source
	Store  *calstore.Store
	Cache  *cache.Manager
}

// Calibration is an immutable snapshot of one diagram load. Every request
// works on a single snapshot.
type Calibration struct {
	MapID          string                     `json:"map_id"`
	Version        uint64                     `json:"version"`
	ModelID        int                        `json:"model_id"`
	Metadata       projection.DiagramMetadata `json:"metadata"`
	Constants      projection.Constants       `json:"constants"`
	OverlayBaseURL string                     `json:"overlay_base_url"`
	Source         string                     `json:"source"`
	LoadedAt       time.Time                  `json:"loaded_at"`
}

// Center returns the geographic position of the diagram's centre.
func (c *Calibration) Center() projection.GeoPoint {
	return c.Constants.PixelToGeo(c.Metadata.Center())
}

func (c *Calibration) sameDiagram(md projection.DiagramMetadata, overlayURL string) bool {
	return c.Metadata == md && c.OverlayBaseURL == overlayURL
}

// MapService serves one configured map.
type MapService struct {
	cfg MapServiceConfig

	current atomic.Pointer[Calibration]
	loadMu  sync.Mutex
}

// NewMapService creates a new map service. Call Load before serving.
func NewMapService(cfg MapServiceConfig) *MapService {
	if cfg.MapID == "" {
		cfg.MapID = "default"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.MapID
	}
	return &MapService{cfg: cfg}
}

// ID returns the map identifier.
func (s *MapService) ID() string { return s.cfg.MapID }

// Name returns the display name.
func (s *MapService) Name() string { return s.cfg.Name }

// InitialZoom returns the zoom a client should open the map at.
func (s *MapService) InitialZoom() int {
	snap := s.current.Load()
	if snap == nil {
		return s.cfg.InitialZoom
	}
	z := s.cfg.InitialZoom
	if z < snap.Metadata.MinZoom {
		z = snap.Metadata.MinZoom
	}
	if z > snap.Metadata.MaxZoom {
		z = snap.Metadata.MaxZoom
	}
	return z
}

// Snapshot returns the current calibration.
func (s *MapService) Snapshot() (*Calibration, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNotCalibrated
	}
	return snap, nil
}

// History returns the stored calibrations of this map, newest first.
func (s *MapService) History(limit int) ([]calstore.Record, error) {
	if s.cfg.Store == nil {
		return []calstore.Record{}, nil
	}
	return s.cfg.Store.History(s.cfg.MapID, limit)
}

// Reload drops this project's cached API responses and loads the diagram
// metadata again.
func (s *MapService) Reload(ctx context.Context) (*Calibration, error) {
	if s.cfg.Cache != nil && s.cfg.Source != nil && s.cfg.ProjectID != "" {
		s.cfg.Cache.PurgeQueryPrefix(s.cfg.Source.CachePrefix(s.cfg.ProjectID))
	}
	return s.Load(ctx)
}

// Load fetches the diagram metadata, calibrates it and publishes the result.
// The version only moves when the diagram or its overlay changed; a snapshot
// from the store or static config is still replaced by the API's.
func (s *MapService) Load(ctx context.Context) (*Calibration, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	prev := s.current.Load()

	next, err := s.fetch(ctx)
	if err == nil {
		err = calibrate(next)
	}
	if err != nil {
		log.Printf("[MapService] %s: metadata load failed: %v", s.cfg.MapID, err)
		if prev != nil {
			return prev, fmt.Errorf("reload %s: %w", s.cfg.MapID, err)
		}
		next, err = s.fallback(err)
		if err != nil {
			return nil, err
		}
		if err := calibrate(next); err != nil {
			return nil, fmt.Errorf("calibrate %s: %w", s.cfg.MapID, err)
		}
	}

	switch {
	case prev != nil && prev.sameDiagram(next.Metadata, next.OverlayBaseURL):
		if prev.ModelID == next.ModelID && prev.Source == next.Source {
			return prev, nil
		}
		next.Version = prev.Version
	case prev != nil:
		next.Version = prev.Version + 1
	case next.Version == 0:
		next.Version = s.storedVersion(next) + 1
	}

	s.current.Store(next)
	log.Printf("[MapService] %s: calibrated v%d from %s (model %d, %gx%g, tile %g, zoom %d-%d, zoom factor %.3f)",
		s.cfg.MapID, next.Version, next.Source, next.ModelID,
		next.Metadata.Width, next.Metadata.Height, next.Metadata.TileSize,
		next.Metadata.MinZoom, next.Metadata.MaxZoom, next.Constants.ZoomFactor)

	if s.cfg.Store != nil && next.Source == SourceAPI {
		if err := s.cfg.Store.Save(calstore.Record{
			MapID:          next.MapID,
			Version:        next.Version,
			ModelID:        next.ModelID,
			Metadata:       next.Metadata,
			OverlayBaseURL: next.OverlayBaseURL,
			Source:         next.Source,
			LoadedAt:       next.LoadedAt,
		}); err != nil {
			log.Printf("[MapService] %s: failed to store calibration: %v", s.cfg.MapID, err)
		}
	}
	return next, nil
}

func calibrate(c *Calibration) error {
	constants, err := projection.Calibrate(c.Metadata)
	if err != nil {
		return err
	}
	c.Constants = constants
	return nil
}

// storedVersion returns the version to continue from after a restart.
// An identical stored diagram keeps its version.
func (s *MapService) storedVersion(next *Calibration) uint64 {
	if s.cfg.Store == nil {
		return 0
	}
	rec, err := s.cfg.Store.Latest(s.cfg.MapID)
	if err != nil || rec == nil {
		return 0
	}
	if rec.Metadata == next.Metadata && rec.OverlayBaseURL == next.OverlayBaseURL {
		return rec.Version - 1
	}
	return rec.Version
}

func (s *MapService) fetch(ctx context.Context) (*Calibration, error) {
	src := s.cfg.Source
	if src == nil || s.cfg.ProjectID == "" {
		return nil, errNoSource
	}

	project, err := src.Project(ctx, s.cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	models, err := src.Models(ctx, s.cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("models: %w", err)
	}
	model, err := selectModel(models, s.cfg.ModelID)
	if err != nil {
		return nil, err
	}
	overlays, err := src.Overlays(ctx, s.cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("overlays: %w", err)
	}
	imagePath, err := selectOverlayImage(overlays, s.cfg.Overlay, model.ID)
	if err != nil {
		return nil, err
	}

	return &Calibration{
		MapID:          s.cfg.MapID,
		ModelID:        model.ID,
		Metadata:       model.Metadata(),
		OverlayBaseURL: src.OverlayBaseURL(project.Directory, imagePath),
		Source:         SourceAPI,
		LoadedAt:       time.Now(),
	}, nil
}

func (s *MapService) fallback(cause error) (*Calibration, error) {
	if s.cfg.Store != nil {
		rec, err := s.cfg.Store.Latest(s.cfg.MapID)
		if err != nil {
			log.Printf("[MapService] %s: failed to read stored calibration: %v", s.cfg.MapID, err)
		} else if rec != nil {
			modelID := rec.ModelID
			if modelID == 0 {
				modelID = s.cfg.ModelID
			}
			return &Calibration{
				MapID:          s.cfg.MapID,
				Version:        rec.Version,
				ModelID:        modelID,
				Metadata:       rec.Metadata,
				OverlayBaseURL: rec.OverlayBaseURL,
				Source:         SourceStore,
				LoadedAt:       rec.LoadedAt,
			}, nil
		}
	}
	if !s.cfg.Static.IsZero() {
		return &Calibration{
			MapID:          s.cfg.MapID,
			ModelID:        s.cfg.ModelID,
			Metadata:       s.cfg.Static,
			OverlayBaseURL: s.cfg.StaticOverlayURL,
			Source:         SourceStatic,
			LoadedAt:       time.Now(),
		}, nil
	}
	return nil, fmt.Errorf("load %s: %w", s.cfg.MapID, cause)
}

func selectModel(models []minerva.Model, modelID int) (minerva.Model, error) {
	if len(models) == 0 {
		return minerva.Model{}, ErrModelNotFound
	}
	if modelID == 0 {
		return models[0], nil
	}
	for _, m := range models {
		if m.ID == modelID {
			return m, nil
		}
	}
	return minerva.Model{}, fmt.Errorf("%w: %d", ErrModelNotFound, modelID)
}

func selectOverlayImage(overlays []minerva.Overlay, name string, modelID int) (string, error) {
	for _, o := range overlays {
		if name != "" && o.Name != name {
			continue
		}
		if path, ok := o.ImageFor(modelID); ok {
			return path, nil
		}
	}
	if name != "" {
		return "", fmt.Errorf("%w: %q for model %d", ErrOverlayNotFound, name, modelID)
	}
	return "", fmt.Errorf("%w: model %d", ErrOverlayNotFound, modelID)
}
