package service

import (
	"context"
	"fmt"

	"github.com/go-spatial/geom"
	"github.com/pathway-tiles/server/internal/minerva"
	"github.com/pathway-tiles/server/internal/projection"
	"github.com/pathway-tiles/server/internal/render"
)

// Entity is the biological entity found at a clicked location.
type Entity struct {
	ID        int             `json:"id"`
	Kind      string          `json:"kind"`
	ElementID string          `json:"element_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Type      string          `json:"type,omitempty"`
	Bounds    *minerva.Bounds `json:"bounds,omitempty"`
}

// Marker is where a client should pin the entity.
type Marker struct {
	Kind     string                `json:"kind"`
	Position projection.GeoPoint   `json:"position"`
	Pixel    projection.PixelPoint `json:"pixel"`
}

// ClickResult is the outcome of resolving a click.
type ClickResult struct {
	Geo     projection.GeoPoint   `json:"geo"`
	Pixel   projection.PixelPoint `json:"pixel"`
	Inside  bool                  `json:"inside"`
	Entity  *Entity               `json:"entity,omitempty"`
	Marker  *Marker               `json:"marker,omitempty"`
	Version uint64                `json:"version"`
}

// ResolveClick converts a clicked map position to diagram pixels and looks up
// the bio entity drawn there.
func (s *MapService) ResolveClick(ctx context.Context, g projection.GeoPoint) (*ClickResult, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}

	p := snap.Constants.GeoToPixel(g)
	result := &ClickResult{
		Geo:     g,
		Pixel:   p,
		Inside:  snap.Metadata.Contains(p),
		Version: snap.Version,
	}
	// A static snapshot may not know the model; entities need it.
	if !result.Inside || s.cfg.Source == nil || snap.ModelID == 0 {
		return result, nil
	}

	refs, err := s.cfg.Source.SearchByCoordinates(ctx, s.cfg.ProjectID, snap.ModelID, p.X, p.Y, 1)
	if err != nil {
		return nil, fmt.Errorf("search by coordinates: %w", err)
	}
	if len(refs) == 0 {
		return result, nil
	}

	ref := refs[0]
	switch ref.Type {
	case minerva.KindAlias:
		err = s.resolveElement(ctx, snap, ref, result)
	case minerva.KindReaction:
		err = s.resolveReaction(ctx, snap, ref, result)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MapService) resolveElement(ctx context.Context, snap *Calibration, ref minerva.BioEntityRef, result *ClickResult) error {
	elements, err := s.cfg.Source.Elements(ctx, s.cfg.ProjectID, snap.ModelID, []int{ref.ID})
	if err != nil {
		return fmt.Errorf("elements: %w", err)
	}
	for _, el := range elements {
		if el.ID != ref.ID {
			continue
		}
		if !boundsContain(el.Bounds, result.Pixel) {
			// The search returns the nearest element, which may lie
			// outside the click.
			return nil
		}
		bounds := el.Bounds
		result.Entity = &Entity{
			ID:        el.ID,
			Kind:      render.MarkerElement,
			ElementID: el.ElementID,
			Name:      el.Name,
			Type:      el.Type,
			Bounds:    &bounds,
		}
		result.Marker = newMarker(snap, render.MarkerElement, bounds.Center())
		return nil
	}
	return nil
}

func (s *MapService) resolveReaction(ctx context.Context, snap *Calibration, ref minerva.BioEntityRef, result *ClickResult) error {
	reactions, err := s.cfg.Source.Reactions(ctx, s.cfg.ProjectID, snap.ModelID, []int{ref.ID})
	if err != nil {
		return fmt.Errorf("reactions: %w", err)
	}
	for _, r := range reactions {
		if r.ID != ref.ID {
			continue
		}
		result.Entity = &Entity{
			ID:        r.ID,
			Kind:      render.MarkerReaction,
			ElementID: r.ReactionID,
			Type:      r.Type,
		}
		result.Marker = newMarker(snap, render.MarkerReaction, r.CenterPoint)
		return nil
	}
	return nil
}

func newMarker(snap *Calibration, kind string, p projection.PixelPoint) *Marker {
	return &Marker{
		Kind:     kind,
		Position: snap.Constants.PixelToGeo(p),
		Pixel:    p,
	}
}

func boundsContain(b minerva.Bounds, p projection.PixelPoint) bool {
	extent := geom.Extent{b.X, b.Y, b.X + b.Width, b.Y + b.Height}
	return extent.ContainsPoint([2]float64{p.X, p.Y})
}
