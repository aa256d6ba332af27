// Package config handles configuration loading for the pathway tile server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pathway-tiles/server/internal/projection"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Maps     MapSet         `yaml:"maps"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Store    StoreConfig    `yaml:"store"`
	Refresh  RefreshConfig  `yaml:"refresh"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
	// DefaultMap overrides the first map in YAML order.
	DefaultMap string `yaml:"default_map"`
}

// UpstreamConfig contains remote API settings.
type UpstreamConfig struct {
	APIURL         string `yaml:"api_url"`
	ImagesURL      string `yaml:"images_url"`
	ProxyURL       string `yaml:"proxy_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	UserAgent      string `yaml:"user_agent"`
}

// Timeout returns the request timeout.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// MapConfig describes one served diagram.
type MapConfig struct {
	Name        string `yaml:"name"`
	ProjectID   string `yaml:"project_id"`
	ModelID     int    `yaml:"model_id"`
	Overlay     string `yaml:"overlay"`
	InitialZoom int    `yaml:"initial_zoom"`
	// Static metadata is served when the API and the store are unavailable.
	Static           projection.DiagramMetadata `yaml:"static"`
	StaticOverlayURL string                     `yaml:"static_overlay_url"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	QuerySize      int `yaml:"query_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize   int `yaml:"tile_size"`
	MarkerSize int `yaml:"marker_size"`
}

// StoreConfig contains calibration store settings.
type StoreConfig struct {
	SQLitePath   string `yaml:"sqlite_path"`
	KeepVersions int    `yaml:"keep_versions"`
}

// RefreshConfig contains metadata refresh settings.
type RefreshConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

// MapSet holds map definitions in YAML order.
type MapSet struct {
	ids  []string
	byID map[string]MapConfig
}

// UnmarshalYAML decodes a mapping of map id to MapConfig, keeping key order.
func (m *MapSet) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: maps must be a mapping of id to map", value.Line)
	}
	m.ids = nil
	m.byID = make(map[string]MapConfig, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		id := value.Content[i].Value
		var mc MapConfig
		if err := value.Content[i+1].Decode(&mc); err != nil {
			return fmt.Errorf("maps.%s: %w", id, err)
		}
		if _, dup := m.byID[id]; dup {
			return fmt.Errorf("line %d: duplicate map %q", value.Content[i].Line, id)
		}
		m.ids = append(m.ids, id)
		m.byID[id] = mc
	}
	return nil
}

// IDs returns map ids in config order.
func (m MapSet) IDs() []string {
	return m.ids
}

// Get returns a map definition.
func (m MapSet) Get(id string) (MapConfig, bool) {
	mc, ok := m.byID[id]
	return mc, ok
}

// Len returns the number of maps.
func (m MapSet) Len() int {
	return len(m.ids)
}

// Add appends a map definition.
func (m *MapSet) Add(id string, mc MapConfig) {
	if m.byID == nil {
		m.byID = make(map[string]MapConfig)
	}
	if _, ok := m.byID[id]; !ok {
		m.ids = append(m.ids, id)
	}
	m.byID[id] = mc
}

// DefaultMapID returns the configured default map, or the first one.
func (c *Config) DefaultMapID() string {
	if c.Server.DefaultMap != "" {
		return c.Server.DefaultMap
	}
	if ids := c.Maps.IDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if _, ok := cfg.Maps.Get(cfg.DefaultMapID()); !ok {
		return nil, fmt.Errorf("default map %q is not configured", cfg.DefaultMapID())
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration: the Parkinson's disease
// map published at pdmap.uni.lu.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Pathway Tiles",
		},
		Upstream: UpstreamConfig{
			APIURL:         "https://pdmap.uni.lu/minerva/api/",
			ImagesURL:      "https://pdmap.uni.lu/map_images/",
			TimeoutSeconds: 30,
			UserAgent:      "pathway-tiles",
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			QuerySize:      1000,
		},
		Render: RenderConfig{
			TileSize:   256,
			MarkerSize: 32,
		},
		Store: StoreConfig{
			SQLitePath:   "./data/calibrations.sqlite",
			KeepVersions: 10,
		},
		Refresh: RefreshConfig{
			IntervalMinutes: 60,
		},
	}
	cfg.Maps.Add("pd", defaultMap())
	return cfg
}

func defaultMap() MapConfig {
	return MapConfig{
		Name:        "PD map",
		ProjectID:   "pd_map",
		InitialZoom: 4,
		Static: projection.DiagramMetadata{
			Width:    28045,
			Height:   13644,
			TileSize: 256,
			MinZoom:  2,
			MaxZoom:  9,
		},
		StaticOverlayURL: "https://pdmap.uni.lu/map_images/1cc799ade846d30a2e742089e72e2484/_normal0",
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Upstream.APIURL == "" {
		cfg.Upstream.APIURL = defaults.Upstream.APIURL
	}
	if cfg.Upstream.ImagesURL == "" {
		cfg.Upstream.ImagesURL = defaults.Upstream.ImagesURL
	}
	if cfg.Upstream.TimeoutSeconds == 0 {
		cfg.Upstream.TimeoutSeconds = defaults.Upstream.TimeoutSeconds
	}
	if cfg.Upstream.UserAgent == "" {
		cfg.Upstream.UserAgent = defaults.Upstream.UserAgent
	}
	if cfg.Maps.Len() == 0 {
		cfg.Maps = defaults.Maps
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QuerySize == 0 {
		cfg.Cache.QuerySize = defaults.Cache.QuerySize
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.MarkerSize == 0 {
		cfg.Render.MarkerSize = defaults.Render.MarkerSize
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Store.KeepVersions == 0 {
		cfg.Store.KeepVersions = defaults.Store.KeepVersions
	}
	if cfg.Refresh.IntervalMinutes == 0 {
		cfg.Refresh.IntervalMinutes = defaults.Refresh.IntervalMinutes
	}
}
