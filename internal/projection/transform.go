package projection

import "math"

// sinLatBound keeps the Mercator log term finite.
const sinLatBound = 0.9999

// MaxLatitude is the latitude, in degrees, at which GeoToPixel starts clamping.
var MaxLatitude = toDegrees(math.Asin(sinLatBound))

// PixelPoint is a position in diagram pixels, origin top-left, y down.
type PixelPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GeoPoint is a longitude/latitude pair in degrees.
type GeoPoint struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// PixelToGeo converts a diagram pixel to longitude/latitude.
func (c Constants) PixelToGeo(p PixelPoint) GeoPoint {
	x := p.X / c.ZoomFactor
	y := p.Y / c.ZoomFactor
	half := c.TileSize / 2

	lon := (x - half) / c.PixelsPerLonDegree
	latRad := (y - half) / -c.PixelsPerLonRadian
	lat := toDegrees(2*math.Atan(math.Exp(latRad)) - math.Pi/2)
	return GeoPoint{Lon: lon, Lat: lat}
}

// GeoToPixel converts longitude/latitude to a diagram pixel. Latitudes beyond
// ±MaxLatitude are projected as ±MaxLatitude.
func (c Constants) GeoToPixel(g GeoPoint) PixelPoint {
	half := c.TileSize / 2

	x := half + g.Lon*c.PixelsPerLonDegree
	s := clamp(math.Sin(toRadians(g.Lat)), -sinLatBound, sinLatBound)
	y := half + 0.5*math.Log((1+s)/(1-s))*-c.PixelsPerLonRadian

	return PixelPoint{X: x * c.ZoomFactor, Y: y * c.ZoomFactor}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }
