// Package minerva provides a read-only client for a MINERVA-style disease map
// REST API and its published image pyramids.
package minerva

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrTileNotFound is returned by FetchTile when the image does not exist upstream.
var ErrTileNotFound = errors.New("tile not found upstream")

// APIError reports a non-2xx response.
type APIError struct {
	StatusCode int
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
}

// QueryCache stores raw response bodies by request URL.
type QueryCache interface {
	GetQuery(key string) ([]byte, bool)
	SetQuery(key string, data []byte)
}

// Config contains client configuration.
type Config struct {
	APIURL    string // e.g. https://pdmap.uni.lu/minerva/api/
	ImagesURL string // e.g. https://pdmap.uni.lu/map_images/
	// ProxyURL, when set, is prefixed to every absolute request URL
	// (cors-anywhere style forwarding).
	ProxyURL  string
	Timeout   time.Duration
	UserAgent string
	Cache     QueryCache
}

// Client talks to the remote API.
type Client struct {
	apiURL    *url.URL
	imagesURL string
	proxyURL  string
	userAgent string
	cache     QueryCache
	http      *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("empty api url")
	}
	apiURL, err := url.Parse(ensureSlash(cfg.APIURL))
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		apiURL:    apiURL,
		imagesURL: ensureSlash(cfg.ImagesURL),
		proxyURL:  cfg.ProxyURL,
		userAgent: cfg.UserAgent,
		cache:     cfg.Cache,
		http:      &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// OverlayBaseURL returns the pyramid root for one overlay image directory.
func (c *Client) OverlayBaseURL(projectDirectory, imagePath string) string {
	return c.imagesURL + strings.Trim(projectDirectory, "/") + "/" + strings.Trim(imagePath, "/")
}

// CachePrefix returns the query cache key prefix shared by every response
// about a project.
func (c *Client) CachePrefix(projectID string) string {
	return c.apiURL.ResolveReference(&url.URL{Path: "projects/" + projectID + "/"}).String()
}

// Project returns project information.
func (c *Client) Project(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	if err := c.getJSON(ctx, "projects/"+projectID+"/", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Models returns the diagrams (submaps) of a project.
func (c *Client) Models(ctx context.Context, projectID string) ([]Model, error) {
	var models []Model
	if err := c.getJSON(ctx, "projects/"+projectID+"/models/", nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// Overlays returns the image overlays of a project.
func (c *Client) Overlays(ctx context.Context, projectID string) ([]Overlay, error) {
	var overlays []Overlay
	if err := c.getJSON(ctx, "projects/"+projectID+"/overlays/", nil, &overlays); err != nil {
		return nil, err
	}
	return overlays, nil
}

// SearchByCoordinates returns the bio entities closest to a diagram pixel.
func (c *Client) SearchByCoordinates(ctx context.Context, projectID string, modelID int, x, y float64, count int) ([]BioEntityRef, error) {
	if count <= 0 {
		count = 1
	}
	query := url.Values{
		"coordinates": {formatFloat(x) + "," + formatFloat(y)},
		"count":       {strconv.Itoa(count)},
	}
	var refs []BioEntityRef
	if err := c.getJSON(ctx, modelPath(projectID, modelID)+"bioEntities:search", query, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// Elements returns elements (aliases) by id.
func (c *Client) Elements(ctx context.Context, projectID string, modelID int, ids []int) ([]Element, error) {
	var elements []Element
	query := url.Values{"id": {joinInts(ids)}}
	if err := c.getJSON(ctx, modelPath(projectID, modelID)+"bioEntities/elements/", query, &elements); err != nil {
		return nil, err
	}
	return elements, nil
}

// Reactions returns reactions by id.
func (c *Client) Reactions(ctx context.Context, projectID string, modelID int, ids []int) ([]Reaction, error) {
	var reactions []Reaction
	query := url.Values{"id": {joinInts(ids)}}
	if err := c.getJSON(ctx, modelPath(projectID, modelID)+"bioEntities/reactions/", query, &reactions); err != nil {
		return nil, err
	}
	return reactions, nil
}

// FetchTile downloads one pyramid image. Tiles are not put in the query cache.
func (c *Client) FetchTile(ctx context.Context, tileURL string) ([]byte, error) {
	resp, err := c.do(ctx, tileURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTileNotFound
	}
	if resp.StatusCode/100 != 2 {
		return nil, &APIError{StatusCode: resp.StatusCode, URL: tileURL}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	ref := &url.URL{Path: path}
	if len(query) > 0 {
		ref.RawQuery = query.Encode()
	}
	target := c.apiURL.ResolveReference(ref).String()

	if c.cache != nil {
		if data, ok := c.cache.GetQuery(target); ok {
			return json.Unmarshal(data, out)
		}
	}

	resp, err := c.do(ctx, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &APIError{StatusCode: resp.StatusCode, URL: target}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", target, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", target, err)
	}

	if c.cache != nil {
		c.cache.SetQuery(target, data)
	}
	return nil
}

func (c *Client) do(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.proxyURL+target, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.proxyURL != "" {
		// cors-anywhere refuses requests without one of these.
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", target, err)
	}
	return resp, nil
}

func modelPath(projectID string, modelID int) string {
	return "projects/" + projectID + "/models/" + strconv.Itoa(modelID) + "/"
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func ensureSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
