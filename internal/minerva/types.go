package minerva

import "github.com/pathway-tiles/server/internal/projection"

// Project is the subset of project fields the server uses.
type Project struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	// Directory is the project's folder under the images URL.
	Directory string `json:"directory"`
	Version   string `json:"version"`
}

// Model is one diagram of a project.
type Model struct {
	ID       int     `json:"idObject"`
	Name     string  `json:"name"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	TileSize float64 `json:"tileSize"`
	MinZoom  int     `json:"minZoom"`
	MaxZoom  int     `json:"maxZoom"`
}

// Metadata converts the model descriptor into pyramid metadata.
func (m Model) Metadata() projection.DiagramMetadata {
	return projection.DiagramMetadata{
		Width:    m.Width,
		Height:   m.Height,
		TileSize: m.TileSize,
		MinZoom:  m.MinZoom,
		MaxZoom:  m.MaxZoom,
	}
}

// Overlay is a named set of rendered images, one per model.
type Overlay struct {
	ID     int            `json:"idObject"`
	Name   string         `json:"name"`
	Images []OverlayImage `json:"images"`
}

// OverlayImage points at the pyramid directory of one model.
type OverlayImage struct {
	ModelID int    `json:"modelId"`
	Path    string `json:"path"`
}

// ImageFor returns the overlay's image path for a model.
func (o Overlay) ImageFor(modelID int) (string, bool) {
	for _, img := range o.Images {
		if img.ModelID == modelID {
			return img.Path, true
		}
	}
	return "", false
}

// Bio entity kinds returned by the coordinate search.
const (
	KindAlias    = "ALIAS"
	KindReaction = "REACTION"
)

// BioEntityRef is a search hit.
type BioEntityRef struct {
	ID      int    `json:"id"`
	ModelID int    `json:"modelId"`
	Type    string `json:"type"`
}

// Bounds is an element's box in diagram pixels.
type Bounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the middle of the box.
func (b Bounds) Center() projection.PixelPoint {
	return projection.PixelPoint{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Element is a drawn species alias (gene, protein, complex, ...).
type Element struct {
	ID        int    `json:"id"`
	ElementID string `json:"elementId"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Bounds    Bounds `json:"bounds"`
}

// Reaction is a drawn reaction.
type Reaction struct {
	ID          int                   `json:"id"`
	ReactionID  string                `json:"reactionId"`
	Type        string                `json:"type"`
	CenterPoint projection.PixelPoint `json:"centerPoint"`
}
