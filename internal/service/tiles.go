package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/pathway-tiles/server/internal/cache"
	"github.com/pathway-tiles/server/internal/projection"
)

var (
	// ErrTileAbsent is returned for tiles outside the diagram's extent.
	ErrTileAbsent = errors.New("tile absent")
	// ErrZoomOutOfRange is returned for zooms outside [MinZoom, MaxZoom].
	ErrZoomOutOfRange = errors.New("zoom out of range")
)

// TileStatus tells whether a tile image exists.
type TileStatus int

const (
	TileAbsent TileStatus = iota
	TilePresent
)

func (s TileStatus) String() string {
	if s == TilePresent {
		return "tile"
	}
	return "absent"
}

// MarshalText encodes the status as "tile" or "absent".
func (s TileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TileRef is the outcome of resolving a tile address: either a URL or absent.
type TileRef struct {
	Address projection.TileAddress `json:"address"`
	Status  TileStatus             `json:"status"`
	URL     string                 `json:"url,omitempty"`
}

// TileURL resolves a tile address against this calibration. The URL is only
// built for tiles inside the diagram.
func (c *Calibration) TileURL(addr projection.TileAddress) TileRef {
	if !projection.IsTileInRange(addr, c.Metadata) {
		return TileRef{Address: addr, Status: TileAbsent}
	}
	return TileRef{
		Address: addr,
		Status:  TilePresent,
		URL: c.OverlayBaseURL + "/" + strconv.Itoa(addr.Zoom) + "/" +
			strconv.Itoa(addr.X) + "/" + strconv.Itoa(addr.Y) + ".PNG",
	}
}

// ZoomAllowed reports whether zoom is served for this diagram.
func (c *Calibration) ZoomAllowed(zoom int) bool {
	return zoom >= c.Metadata.MinZoom && zoom <= c.Metadata.MaxZoom
}

// ResolveTile returns the tile reference for z/x/y on the current calibration.
func (s *MapService) ResolveTile(z, x, y int) (TileRef, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return TileRef{}, err
	}
	if !snap.ZoomAllowed(z) {
		return TileRef{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrZoomOutOfRange, z, snap.Metadata.MinZoom, snap.Metadata.MaxZoom)
	}
	return snap.TileURL(projection.TileAddress{Zoom: z, X: x, Y: y}), nil
}

// GetTile returns the PNG of tile z/x/y, proxied from upstream and cached.
func (s *MapService) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	if !snap.ZoomAllowed(z) {
		return nil, fmt.Errorf("%w: %d", ErrZoomOutOfRange, z)
	}
	ref := snap.TileURL(projection.TileAddress{Zoom: z, X: x, Y: y})
	if ref.Status == TileAbsent {
		return nil, ErrTileAbsent
	}

	cacheKey := cache.TileKey(snap.MapID, snap.Version, z, x, y)
	if s.cfg.Cache != nil {
		if data, ok := s.cfg.Cache.GetTile(cacheKey); ok {
			return data, nil
		}
	}

	if s.cfg.Source == nil {
		return nil, errNoSource
	}
	data, err := s.cfg.Source.FetchTile(ctx, ref.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}

	if s.cfg.Cache != nil {
		s.cfg.Cache.SetTile(cacheKey, data)
	}
	return data, nil
}
