package projection

import "math"

// Constants holds the scalars shared by both transform directions.
// A Constants value belongs to exactly one DiagramMetadata.
type Constants struct {
	TileSize           float64 `json:"tile_size"`
	PixelsPerLonDegree float64 `json:"pixels_per_lon_degree"`
	PixelsPerLonRadian float64 `json:"pixels_per_lon_radian"`
	// ZoomFactor is the number of diagram pixels covered by one pixel of
	// the single tile at MinZoom.
	ZoomFactor float64 `json:"zoom_factor"`
}

// Calibrate derives the projection constants for a diagram.
func Calibrate(md DiagramMetadata) (Constants, error) {
	if err := md.Validate(); err != nil {
		return Constants{}, err
	}

	minZoomTile := md.TileSize / math.Exp2(float64(md.MinZoom))
	return Constants{
		TileSize:           md.TileSize,
		PixelsPerLonDegree: md.TileSize / 360,
		PixelsPerLonRadian: md.TileSize / (2 * math.Pi),
		ZoomFactor:         math.Max(md.Width, md.Height) / minZoomTile,
	}, nil
}
