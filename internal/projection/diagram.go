// Package projection maps between diagram pixel space and the pseudo-Mercator
// longitude/latitude space used by tiled map widgets, and decides which tiles
// of a diagram's image pyramid exist.
package projection

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidMetadata is returned when diagram metadata cannot be calibrated.
var ErrInvalidMetadata = errors.New("invalid diagram metadata")

var validate = validator.New(validator.WithRequiredStructEnabled())

// DiagramMetadata describes one diagram's image pyramid.
type DiagramMetadata struct {
	Width    float64 `json:"width" yaml:"width" validate:"gt=0"`
	Height   float64 `json:"height" yaml:"height" validate:"gt=0"`
	TileSize float64 `json:"tile_size" yaml:"tile_size" validate:"gt=0"`
	MinZoom  int     `json:"min_zoom" yaml:"min_zoom" validate:"gte=0"`
	MaxZoom  int     `json:"max_zoom" yaml:"max_zoom" validate:"gtefield=MinZoom"`
}

// Validate checks that the metadata describes a usable pyramid.
func (md DiagramMetadata) Validate() error {
	if err := validate.Struct(md); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return nil
}

// IsZero reports whether no field has been set.
func (md DiagramMetadata) IsZero() bool {
	return md == DiagramMetadata{}
}

// Contains reports whether p lies inside the diagram's pixel extent.
func (md DiagramMetadata) Contains(p PixelPoint) bool {
	return p.X >= 0 && p.X <= md.Width && p.Y >= 0 && p.Y <= md.Height
}

// Center returns the diagram's centre pixel.
func (md DiagramMetadata) Center() PixelPoint {
	return PixelPoint{X: md.Width / 2, Y: md.Height / 2}
}
