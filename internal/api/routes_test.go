package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pathway-tiles/server/internal/cache"
	"github.com/pathway-tiles/server/internal/calstore"
	"github.com/pathway-tiles/server/internal/minerva"
	"github.com/pathway-tiles/server/internal/projection"
	"github.com/pathway-tiles/server/internal/render"
	"github.com/pathway-tiles/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server     *httptest.Server
	upstream   *httptest.Server
	tileHits   *int64
	registry   *MapRegistry
	mapService *service.MapService
}

// newUpstream fakes the minerva API and image host for project pd_map.
func newUpstream(t *testing.T, tileHits *int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/minerva/api/projects/pd_map/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"projectId":"pd_map","name":"PD map","directory":"abc","version":"2024"}`))
	})
	mux.HandleFunc("/minerva/api/projects/pd_map/models/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"idObject":1,"name":"PD map","width":28045,"height":13644,"tileSize":256,"minZoom":2,"maxZoom":9}]`))
	})
	mux.HandleFunc("/minerva/api/projects/pd_map/overlays/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"idObject":3,"name":"Network","images":[{"modelId":1,"path":"_normal0"}]}]`))
	})
	mux.HandleFunc("/minerva/api/projects/pd_map/models/1/bioEntities:search", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":42,"modelId":1,"type":"ALIAS"}]`))
	})
	mux.HandleFunc("/minerva/api/projects/pd_map/models/1/bioEntities/elements/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":42,"elementId":"sa1","name":"SNCA","type":"Protein","bounds":{"x":990,"y":1990,"width":80,"height":40}}]`))
	})
	mux.HandleFunc("/map_images/abc/_normal0/4/2/1.PNG", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	mux.HandleFunc("/map_images/abc/_normal0/4/1/1.PNG", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/map_images/abc/_normal0/4/3/1.PNG", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(tileHits, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("upstream-png"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T, load bool) *testServer {
	t.Helper()

	var tileHits int64
	upstream := newUpstream(t, &tileHits)

	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 16,
		TileTTL:         5 * time.Minute,
		QueryCacheSize:  100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	client, err := minerva.NewClient(minerva.Config{
		APIURL:    upstream.URL + "/minerva/api",
		ImagesURL: upstream.URL + "/map_images",
		Timeout:   5 * time.Second,
		Cache:     cacheManager,
	})
	if err != nil {
		t.Fatalf("Failed to initialize minerva client: %v", err)
	}

	store, err := calstore.NewStore(filepath.Join(t.TempDir(), "calibrations.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open calibration store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := service.NewMapService(service.MapServiceConfig{
		MapID:       "pd",
		Name:        "Parkinson's disease map",
		ProjectID:   "pd_map",
		InitialZoom: 4,
		Source:      client,
		Store:       store,
		Cache:       cacheManager,
	})
	if load {
		if _, err := svc.Load(context.Background()); err != nil {
			t.Fatalf("Failed to load map: %v", err)
		}
	}

	registry := NewMapRegistry("pd", "")
	registry.Register(svc)

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"*"},
		Renderer:    render.NewTileRenderer(render.Config{}),
		Cache:       cacheManager,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{
		server:     server,
		upstream:   upstream,
		tileHits:   &tileHits,
		registry:   registry,
		mapService: svc,
	}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp, body
}

func decode(t *testing.T, body []byte, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got '%s'", body)
	}
}

func TestMapsEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/api/maps")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var out struct {
		Default string    `json:"default"`
		Maps    []MapInfo `json:"maps"`
		Title   string    `json:"title"`
	}
	decode(t, body, &out)
	if out.Default != "pd" || len(out.Maps) != 1 || out.Maps[0].ID != "pd" {
		t.Errorf("unexpected maps response: %+v", out)
	}
	if out.Maps[0].Color != "#1f77b4" {
		t.Errorf("Expected first categorical color, got %q", out.Maps[0].Color)
	}
	if out.Title != "Pathway Tiles" {
		t.Errorf("Expected default title, got %q", out.Title)
	}
}

func TestUnknownMap(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, _ := ts.get(t, "/m/nope/api/metadata")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/m/pd/api/metadata")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var md MetadataResponse
	decode(t, body, &md)

	if md.Calibration == nil || md.Calibration.Version != 1 {
		t.Fatalf("Expected calibration v1, got %+v", md.Calibration)
	}
	if md.Calibration.Source != service.SourceAPI {
		t.Errorf("Expected source %q, got %q", service.SourceAPI, md.Calibration.Source)
	}
	if md.Calibration.Metadata.Width != 28045 || md.Calibration.Metadata.MinZoom != 2 {
		t.Errorf("unexpected diagram metadata: %+v", md.Calibration.Metadata)
	}
	if math.Abs(md.Center.Lon-(-135)) > 1e-9 {
		t.Errorf("Expected center lon -135, got %v", md.Center.Lon)
	}
	if md.InitialZoom != 4 {
		t.Errorf("Expected initial zoom 4, got %d", md.InitialZoom)
	}
	if len(md.Zooms) != 8 {
		t.Fatalf("Expected 8 zoom levels, got %d", len(md.Zooms))
	}
	if md.Zooms[2].Zoom != 4 || md.Zooms[2].Max.X != 4 {
		t.Errorf("unexpected range at zoom 4: %+v", md.Zooms[2])
	}
	if md.TileURL != "/m/pd/tiles/{z}/{x}/{y}.png" {
		t.Errorf("unexpected tile url template %q", md.TileURL)
	}
}

func TestMetadataNotCalibrated(t *testing.T) {
	ts := setupTestServer(t, false)

	resp, _ := ts.get(t, "/m/pd/api/metadata")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}

	// Tiles still answer with an empty image that is not cached.
	resp, body := ts.get(t, "/m/pd/tiles/4/3/1.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Tile-Status"); got != "unavailable" {
		t.Errorf("Expected unavailable tile status, got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Expected no-store, got %q", got)
	}
	if _, err := png.Decode(bytes.NewReader(body)); err != nil {
		t.Errorf("Expected empty PNG: %v", err)
	}
}

func TestReloadEndpoint(t *testing.T) {
	ts := setupTestServer(t, false)

	resp, err := http.Post(ts.server.URL+"/m/pd/api/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	snap, err := ts.mapService.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot after reload: %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("Expected version 1, got %d", snap.Version)
	}
}

func TestTransformEndpoints(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/m/pd/api/transform/pixel?x=14022.5&y=6822")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var geo struct {
		Geo projection.GeoPoint `json:"geo"`
	}
	decode(t, body, &geo)
	if math.Abs(geo.Geo.Lon-(-135)) > 1e-9 {
		t.Errorf("Expected lon -135, got %v", geo.Geo.Lon)
	}

	q := "/m/pd/api/transform/geo?lon=" + strconv.FormatFloat(geo.Geo.Lon, 'f', -1, 64) +
		"&lat=" + strconv.FormatFloat(geo.Geo.Lat, 'f', -1, 64)
	resp, body = ts.get(t, q)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var pixel struct {
		Pixel  projection.PixelPoint `json:"pixel"`
		Inside bool                  `json:"inside"`
	}
	decode(t, body, &pixel)
	if math.Abs(pixel.Pixel.X-14022.5) > 1e-6 || math.Abs(pixel.Pixel.Y-6822) > 1e-6 {
		t.Errorf("round trip drifted: %+v", pixel.Pixel)
	}
	if !pixel.Inside {
		t.Error("Expected center to be inside the diagram")
	}
}

func TestTransformBadParams(t *testing.T) {
	ts := setupTestServer(t, true)

	for _, path := range []string{
		"/m/pd/api/transform/pixel?x=1",
		"/m/pd/api/transform/pixel?x=abc&y=1",
		"/m/pd/api/transform/geo?lon=NaN&lat=0",
		"/m/pd/api/click?lat=10",
	} {
		resp, _ := ts.get(t, path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", path, resp.StatusCode)
		}
	}
}

func TestTileRefEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	tests := []struct {
		path   string
		status string
		url    string
	}{
		{"/m/pd/api/tiles/4/3/1", "tile", ts.upstream.URL + "/map_images/abc/_normal0/4/3/1.PNG"},
		{"/m/pd/api/tiles/4/3/2", "absent", ""},
		{"/m/pd/api/tiles/4/4/0", "absent", ""},
		{"/m/pd/api/tiles/4/-1/0", "absent", ""},
	}
	for _, tt := range tests {
		resp, body := ts.get(t, tt.path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", tt.path, resp.StatusCode)
		}
		var ref struct {
			Status string `json:"status"`
			URL    string `json:"url"`
		}
		decode(t, body, &ref)
		if ref.Status != tt.status || ref.URL != tt.url {
			t.Errorf("%s: got %+v, want status %q url %q", tt.path, ref, tt.status, tt.url)
		}
	}

	resp, _ := ts.get(t, "/m/pd/api/tiles/12/0/0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for zoom 12, got %d", resp.StatusCode)
	}
}

func TestTileRangeEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/m/pd/api/tiles/4")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var out struct {
		Max   projection.TileRange     `json:"max"`
		Tiles []projection.TileAddress `json:"tiles"`
	}
	decode(t, body, &out)
	if out.Max.X != 4 {
		t.Errorf("Expected x range 4, got %v", out.Max.X)
	}
	if len(out.Tiles) != 8 {
		t.Errorf("Expected 8 tiles at zoom 4, got %d", len(out.Tiles))
	}
}

func TestTileImageEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	for i := 0; i < 2; i++ {
		resp, body := ts.get(t, "/m/pd/tiles/4/3/1.png")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("X-Tile-Status"); got != "tile" {
			t.Errorf("Expected tile status, got %q", got)
		}
		if string(body) != "upstream-png" {
			t.Errorf("Expected proxied tile, got %q", body)
		}
	}
	if hits := atomic.LoadInt64(ts.tileHits); hits != 1 {
		t.Errorf("Expected 1 upstream fetch, got %d", hits)
	}

	for _, path := range []string{"/m/pd/tiles/4/3/2.png", "/m/pd/tiles/1/0/0.png"} {
		resp, body := ts.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Tile-Status"); got != "absent" {
			t.Errorf("%s: expected absent tile status, got %q", path, got)
		}
		img, err := png.Decode(bytes.NewReader(body))
		if err != nil {
			t.Fatalf("%s: expected PNG: %v", path, err)
		}
		if img.Bounds().Dx() != 256 {
			t.Errorf("%s: expected 256px tile, got %d", path, img.Bounds().Dx())
		}
	}
}

func TestClickEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	snap, err := ts.mapService.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	g := snap.Constants.PixelToGeo(projection.PixelPoint{X: 1000, Y: 2000})
	path := "/m/pd/api/click?lon=" + strconv.FormatFloat(g.Lon, 'f', -1, 64) +
		"&lat=" + strconv.FormatFloat(g.Lat, 'f', -1, 64)

	resp, body := ts.get(t, path)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var result service.ClickResult
	decode(t, body, &result)
	if !result.Inside {
		t.Fatal("Expected click inside the diagram")
	}
	if result.Entity == nil || result.Entity.Name != "SNCA" {
		t.Fatalf("Expected SNCA, got %+v", result.Entity)
	}
	if result.Marker == nil || result.Marker.Pixel != (projection.PixelPoint{X: 1030, Y: 2010}) {
		t.Errorf("Expected marker at element center, got %+v", result.Marker)
	}
}

func TestClickOutsideDiagram(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/m/pd/api/click?lon=170&lat=-80")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var result service.ClickResult
	decode(t, body, &result)
	if result.Inside || result.Entity != nil {
		t.Errorf("Expected empty click result, got %+v", result)
	}
}

func TestMarkerEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/markers/pin.png")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Expected PNG: %v", err)
	}
	if img.Bounds().Dx() != 32 {
		t.Errorf("Expected 32px marker, got %d", img.Bounds().Dx())
	}

	for _, kind := range []string{"unicorn", "overlay"} {
		resp, _ = ts.get(t, "/markers/"+kind+".png")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", kind, resp.StatusCode)
		}
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	resp, body := ts.get(t, "/m/pd/api/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	var records []calstore.Record
	decode(t, body, &records)
	if len(records) != 1 || records[0].Version != 1 || records[0].Source != service.SourceAPI {
		t.Errorf("unexpected history: %+v", records)
	}

	resp, _ = ts.get(t, "/m/pd/api/history?limit=0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t, true)

	ts.get(t, "/m/pd/tiles/4/3/1.png")

	resp, body := ts.get(t, "/api/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var stats map[string]float64
	decode(t, body, &stats)
	if stats["tile_cache_len"] != 1 {
		t.Errorf("Expected one cached tile, got %v", stats["tile_cache_len"])
	}
	if stats["query_cache_len"] < 3 {
		t.Errorf("Expected cached API responses, got %v", stats["query_cache_len"])
	}
}

func TestTileImageUpstreamFailure(t *testing.T) {
	ts := setupTestServer(t, true)

	tests := []struct {
		path         string
		status       string
		cacheControl string
	}{
		{"/m/pd/tiles/4/3/1.png", "tile", "public, max-age=3600"},
		{"/m/pd/tiles/4/3/2.png", "absent", "public, max-age=3600"},
		{"/m/pd/tiles/4/1/1.png", "absent", "public, max-age=3600"},
		{"/m/pd/tiles/4/2/1.png", "unavailable", "no-store"},
	}
	for _, tt := range tests {
		resp, body := ts.get(t, tt.path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", tt.path, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Tile-Status"); got != tt.status {
			t.Errorf("%s: expected tile status %q, got %q", tt.path, tt.status, got)
		}
		if got := resp.Header.Get("Cache-Control"); got != tt.cacheControl {
			t.Errorf("%s: expected Cache-Control %q, got %q", tt.path, tt.cacheControl, got)
		}
		if len(body) == 0 {
			t.Errorf("%s: expected a tile body", tt.path)
		}
	}
}
