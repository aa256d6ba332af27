package projection

import "math"

// TileAddress identifies one tile of the pyramid.
type TileAddress struct {
	Zoom int `json:"z"`
	X    int `json:"x"`
	Y    int `json:"y"`
}

// TileRange is the exclusive upper bound of tile indices per axis at a zoom.
// Bounds are fractional when the diagram is not square.
type TileRange struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Contains reports whether tile (x, y) starts inside the range.
func (r TileRange) Contains(x, y int) bool {
	return x >= 0 && float64(x) < r.X && y >= 0 && float64(y) < r.Y
}

// RangeAt returns the tile bounds at zoom. There is one tile at MinZoom and the
// longer axis doubles per level; the shorter axis is scaled by the aspect ratio.
// Zooms below MinZoom have an empty range.
func RangeAt(zoom int, md DiagramMetadata) TileRange {
	if zoom < md.MinZoom {
		return TileRange{}
	}

	maxTileRange := math.Exp2(float64(zoom - md.MinZoom))
	r := TileRange{X: maxTileRange, Y: maxTileRange}
	switch {
	case md.Width > md.Height:
		r.Y = md.Height / md.Width * maxTileRange
	case md.Height > md.Width:
		r.X = md.Width / md.Height * maxTileRange
	}
	return r
}

// IsTileInRange reports whether a tile image exists for addr.
func IsTileInRange(addr TileAddress, md DiagramMetadata) bool {
	return RangeAt(addr.Zoom, md).Contains(addr.X, addr.Y)
}

// TilesAt lists every existing tile at zoom, row by row.
func TilesAt(zoom int, md DiagramMetadata) []TileAddress {
	r := RangeAt(zoom, md)
	nx := int(math.Ceil(r.X))
	ny := int(math.Ceil(r.Y))

	tiles := make([]TileAddress, 0, nx*ny)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			tiles = append(tiles, TileAddress{Zoom: zoom, X: x, Y: y})
		}
	}
	return tiles
}
