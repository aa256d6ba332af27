package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pathway-tiles/server/internal/calstore"
)

// RefresherConfig contains configuration for the refresher.
type RefresherConfig struct {
	Interval     time.Duration // How often diagram metadata is re-read (default 1h)
	Timeout      time.Duration // Per-map reload timeout (default 30s)
	KeepVersions int           // Stored calibrations kept per map (default 10)
	Store        *calstore.Store
}

// Refresher periodically reloads map metadata so a re-published diagram gets a
// new calibration version without a restart.
type Refresher struct {
	cfg      RefresherConfig
	maps     []*MapService
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRefresher creates a refresher for the given maps.
func NewRefresher(cfg RefresherConfig, maps []*MapService) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 1 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.KeepVersions <= 0 {
		cfg.KeepVersions = 10
	}
	return &Refresher{
		cfg:    cfg,
		maps:   maps,
		stopCh: make(chan struct{}),
	}
}

// Start starts the refresh ticker.
func (r *Refresher) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop stops the ticker and waits for an in-flight refresh.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
}

func (r *Refresher) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RefreshAll()
		}
	}
}

// RefreshAll reloads every map once and prunes stored calibrations.
func (r *Refresher) RefreshAll() {
	for _, svc := range r.maps {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		before, _ := svc.Snapshot()
		after, err := svc.Reload(ctx)
		cancel()
		if err != nil {
			log.Printf("[Refresher] %s: reload failed: %v", svc.ID(), err)
			continue
		}
		if before != nil && after.Version != before.Version {
			log.Printf("[Refresher] %s: calibration v%d -> v%d", svc.ID(), before.Version, after.Version)
		}

		if r.cfg.Store == nil {
			continue
		}
		deleted, err := r.cfg.Store.Prune(svc.ID(), r.cfg.KeepVersions)
		if err != nil {
			log.Printf("[Refresher] %s: prune error: %v", svc.ID(), err)
		} else if deleted > 0 {
			log.Printf("[Refresher] %s: pruned %d stored calibrations", svc.ID(), deleted)
		}
	}
}
