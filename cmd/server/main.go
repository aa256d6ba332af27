// Package main is the entry point for the pathway tile server.
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

	"github.com/pathway-tiles/server/internal/api"
	"github.com/pathway-tiles/server/internal/cache"
	"github.com/pathway-tiles/server/internal/calstore"
	"github.com/pathway-tiles/server/internal/config"
	"github.com/pathway-tiles/server/internal/minerva"
	"github.com/pathway-tiles/server/internal/render"
	"github.com/pathway-tiles/server/internal/service"
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

	log.Printf("Starting pathway tile server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all maps)
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileSizeMB,
		TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
		QueryCacheSize:  cfg.Cache.QuerySize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize tile renderer (shared across all maps)
	tileRenderer := render.NewTileRenderer(render.Config{
		TileSize:   cfg.Render.TileSize,
		MarkerSize: cfg.Render.MarkerSize,
	})

	client, err := minerva.NewClient(minerva.Config{
		APIURL:    cfg.Upstream.APIURL,
		ImagesURL: cfg.Upstream.ImagesURL,
		ProxyURL:  cfg.Upstream.ProxyURL,
		Timeout:   cfg.Upstream.Timeout(),
		UserAgent: cfg.Upstream.UserAgent,
		Cache:     cacheManager,
	})
	if err != nil {
		log.Fatalf("Failed to initialize minerva client: %v", err)
	}

	// Calibration history (SQLite persistence)
	var store *calstore.Store
	if cfg.Store.SQLitePath != "" {
		store, err = calstore.NewStore(cfg.Store.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open calibration store: %v", err)
		}
		defer store.Close()
		log.Printf("Calibration store: sqlite=%s, keep_versions=%d", cfg.Store.SQLitePath, cfg.Store.KeepVersions)
	}

	// Initialize map registry
	mapIDs := cfg.Maps.IDs()
	registry := api.NewMapRegistry(cfg.DefaultMapID(), cfg.Server.Title)

	log.Printf("Initializing %d map(s), default: %s", len(mapIDs), cfg.DefaultMapID())

	for _, mapID := range mapIDs {
		mc, _ := cfg.Maps.Get(mapID)

		mapService := service.NewMapService(service.MapServiceConfig{
			MapID:            mapID,
			Name:             mc.Name,
			ProjectID:        mc.ProjectID,
			ModelID:          mc.ModelID,
			Overlay:          mc.Overlay,
			Static:           mc.Static,
			StaticOverlayURL: mc.StaticOverlayURL,
			InitialZoom:      mc.InitialZoom,
			Source:           client,
			Store:            store,
			Cache:            cacheManager,
		})

		loadCtx, cancel := context.WithTimeout(ctx, cfg.Upstream.Timeout()+5*time.Second)
		snap, err := mapService.Load(loadCtx)
		cancel()
		if err != nil {
			// Served as 503 until a reload succeeds.
			log.Printf("  [%s] Not calibrated: %v", mapID, err)
		} else {
			log.Printf("  [%s] %s v%d (%s), tiles: %s", mapID, mc.ProjectID, snap.Version, snap.Source, snap.OverlayBaseURL)
		}

		registry.Register(mapService)
	}

	// Periodic metadata refresh
	refresher := service.NewRefresher(service.RefresherConfig{
		Interval:     time.Duration(cfg.Refresh.IntervalMinutes) * time.Minute,
		Timeout:      cfg.Upstream.Timeout() + 5*time.Second,
		KeepVersions: cfg.Store.KeepVersions,
		Store:        store,
	}, registry.Services())
	if cfg.Refresh.IntervalMinutes > 0 {
		refresher.Start()
		defer refresher.Stop()
		log.Printf("Metadata refresh every %d minute(s)", cfg.Refresh.IntervalMinutes)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Renderer:    tileRenderer,
		Cache:       cacheManager,
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
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
