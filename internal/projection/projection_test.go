package projection

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var pdMap = DiagramMetadata{Width: 28045, Height: 13644, TileSize: 256, MinZoom: 2, MaxZoom: 9}

func mustCalibrate(t *testing.T, md DiagramMetadata) Constants {
	t.Helper()
	c, err := Calibrate(md)
	require.NoError(t, err)
	return c
}

func TestCalibrate(t *testing.T) {
	c := mustCalibrate(t, pdMap)

	require.Equal(t, 256.0, c.TileSize)
	require.InDelta(t, 256.0/360, c.PixelsPerLonDegree, 1e-12)
	require.InDelta(t, 256/(2*math.Pi), c.PixelsPerLonRadian, 1e-12)
	require.InDelta(t, 28045.0/64, c.ZoomFactor, 1e-9)
}

func TestCalibrateZoomFactorPositive(t *testing.T) {
	tests := []DiagramMetadata{
		{Width: 1, Height: 1, TileSize: 1, MinZoom: 0, MaxZoom: 0},
		{Width: 100, Height: 5000, TileSize: 512, MinZoom: 0, MaxZoom: 4},
		{Width: 0.5, Height: 0.25, TileSize: 256, MinZoom: 12, MaxZoom: 20},
		pdMap,
	}
	for _, md := range tests {
		c := mustCalibrate(t, md)
		require.Greater(t, c.ZoomFactor, 0.0)
	}
}

func TestCalibrateRejectsInvalidMetadata(t *testing.T) {
	tests := []struct {
		name string
		md   DiagramMetadata
	}{
		{name: "zero", md: DiagramMetadata{}},
		{name: "negative width", md: DiagramMetadata{Width: -1, Height: 10, TileSize: 256}},
		{name: "zero height", md: DiagramMetadata{Width: 10, TileSize: 256}},
		{name: "zero tile size", md: DiagramMetadata{Width: 10, Height: 10}},
		{name: "negative min zoom", md: DiagramMetadata{Width: 10, Height: 10, TileSize: 256, MinZoom: -1}},
		{name: "max below min", md: DiagramMetadata{Width: 10, Height: 10, TileSize: 256, MinZoom: 3, MaxZoom: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calibrate(tt.md)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidMetadata))
		})
	}
}

func TestPixelToGeoCenter(t *testing.T) {
	t.Run("square at zoom 0 hits the origin", func(t *testing.T) {
		md := DiagramMetadata{Width: 4096, Height: 4096, TileSize: 256, MinZoom: 0, MaxZoom: 4}
		g := mustCalibrate(t, md).PixelToGeo(md.Center())
		require.InDelta(t, 0, g.Lon, 1e-9)
		require.InDelta(t, 0, g.Lat, 1e-9)
	})

	t.Run("wide diagram sits in the first min zoom tile", func(t *testing.T) {
		c := mustCalibrate(t, pdMap)
		g := c.PixelToGeo(pdMap.Center())

		// x' = 32 of a 256 wide world square.
		require.InDelta(t, -135, g.Lon, 1e-9)

		yPrime := pdMap.Height / 2 / c.ZoomFactor
		wantLat := (2*math.Atan(math.Exp((128-yPrime)/c.PixelsPerLonRadian)) - math.Pi/2) * 180 / math.Pi
		require.InDelta(t, wantLat, g.Lat, 1e-9)
		require.InDelta(t, 82.75, g.Lat, 0.01)
	})
}

func TestPixelToGeoCorners(t *testing.T) {
	md := DiagramMetadata{Width: 256, Height: 256, TileSize: 256, MinZoom: 0, MaxZoom: 0}
	c := mustCalibrate(t, md)

	topLeft := c.PixelToGeo(PixelPoint{X: 0, Y: 0})
	require.InDelta(t, -180, topLeft.Lon, 1e-9)
	require.InDelta(t, 85.0511287798, topLeft.Lat, 1e-6)

	bottomRight := c.PixelToGeo(PixelPoint{X: 256, Y: 256})
	require.InDelta(t, 180, bottomRight.Lon, 1e-9)
	require.InDelta(t, -85.0511287798, bottomRight.Lat, 1e-6)
}

func TestRoundTripPixel(t *testing.T) {
	c := mustCalibrate(t, pdMap)
	points := []PixelPoint{
		{X: 1000, Y: 2000},
		{X: 0, Y: 0},
		{X: pdMap.Width, Y: pdMap.Height},
		{X: 14022.5, Y: 6822},
		{X: 27000.25, Y: 13.5},
	}
	for _, p := range points {
		got := c.GeoToPixel(c.PixelToGeo(p))
		require.InDelta(t, p.X, got.X, 1e-6*math.Max(1, math.Abs(p.X)))
		require.InDelta(t, p.Y, got.Y, 1e-6*math.Max(1, math.Abs(p.Y)))
	}
}

func TestRoundTripGeo(t *testing.T) {
	c := mustCalibrate(t, pdMap)
	for lat := -89.0; lat <= 89.0; lat += 4.45 {
		for lon := -180.0; lon <= 180.0; lon += 22.5 {
			g := GeoPoint{Lon: lon, Lat: lat}
			got := c.PixelToGeo(c.GeoToPixel(g))
			require.InDelta(t, g.Lon, got.Lon, 1e-9)
			require.InDelta(t, g.Lat, got.Lat, 1e-9)
		}
	}
}

func TestGeoToPixelClampsLatitude(t *testing.T) {
	c := mustCalibrate(t, pdMap)

	require.InDelta(t, 89.18973, MaxLatitude, 1e-5)

	north := c.GeoToPixel(GeoPoint{Lon: 0, Lat: 89.9})
	require.False(t, math.IsInf(north.Y, 0))
	require.False(t, math.IsNaN(north.Y))
	require.InDelta(t, c.GeoToPixel(GeoPoint{Lon: 0, Lat: MaxLatitude}).Y, north.Y, 1e-6)
	require.Equal(t, c.GeoToPixel(GeoPoint{Lon: 0, Lat: 90}).Y, north.Y)

	south := c.GeoToPixel(GeoPoint{Lon: 0, Lat: -90})
	require.False(t, math.IsInf(south.Y, 0))
	require.InDelta(t, c.GeoToPixel(GeoPoint{Lon: 0, Lat: -MaxLatitude}).Y, south.Y, 1e-6)

	// Inside the band the clamp does not engage.
	require.NotEqual(t, north.Y, c.GeoToPixel(GeoPoint{Lon: 0, Lat: 89.0}).Y)
}

func TestTileRange(t *testing.T) {
	r := RangeAt(4, pdMap)
	require.Equal(t, 4.0, r.X)
	require.InDelta(t, 13644.0/28045*4, r.Y, 1e-12)

	tests := []struct {
		addr TileAddress
		want bool
	}{
		{addr: TileAddress{Zoom: 4, X: 3, Y: 1}, want: true},
		{addr: TileAddress{Zoom: 4, X: 3, Y: 2}, want: false},
		{addr: TileAddress{Zoom: 4, X: 4, Y: 0}, want: false},
		{addr: TileAddress{Zoom: 4, X: -1, Y: 0}, want: false},
		{addr: TileAddress{Zoom: 4, X: 0, Y: -1}, want: false},
		{addr: TileAddress{Zoom: 2, X: 0, Y: 0}, want: true},
		{addr: TileAddress{Zoom: 2, X: 0, Y: 1}, want: false},
		{addr: TileAddress{Zoom: 1, X: 0, Y: 0}, want: false},
	}
	for _, tt := range tests {
		require.Equalf(t, tt.want, IsTileInRange(tt.addr, pdMap), "%+v", tt.addr)
	}
}

func TestTileRangeTallAndSquare(t *testing.T) {
	tall := DiagramMetadata{Width: 1000, Height: 4000, TileSize: 256, MinZoom: 0, MaxZoom: 5}
	r := RangeAt(3, tall)
	require.Equal(t, 2.0, r.X)
	require.Equal(t, 8.0, r.Y)
	require.True(t, IsTileInRange(TileAddress{Zoom: 3, X: 1, Y: 7}, tall))
	require.False(t, IsTileInRange(TileAddress{Zoom: 3, X: 2, Y: 7}, tall))

	square := DiagramMetadata{Width: 500, Height: 500, TileSize: 256, MinZoom: 1, MaxZoom: 5}
	r = RangeAt(3, square)
	require.Equal(t, TileRange{X: 4, Y: 4}, r)
}

func TestTilesAt(t *testing.T) {
	tiles := TilesAt(4, pdMap)
	require.Len(t, tiles, 8)
	for _, tile := range tiles {
		require.True(t, IsTileInRange(tile, pdMap))
	}
	require.Equal(t, TileAddress{Zoom: 4, X: 0, Y: 0}, tiles[0])
	require.Equal(t, TileAddress{Zoom: 4, X: 3, Y: 1}, tiles[len(tiles)-1])

	require.Empty(t, TilesAt(1, pdMap))
	require.Len(t, TilesAt(2, pdMap), 1)
}

func TestTilePyramidConsistency(t *testing.T) {
	for z := pdMap.MinZoom; z < pdMap.MaxZoom; z++ {
		for _, parent := range TilesAt(z, pdMap) {
			child := TileAddress{Zoom: z + 1, X: 2 * parent.X, Y: 2 * parent.Y}
			require.Truef(t, IsTileInRange(child, pdMap), "parent %+v has no child", parent)
		}
	}
}

func TestValidateConcurrent(t *testing.T) {
	good := DiagramMetadata{Width: 28045, Height: 13644, TileSize: 256, MinZoom: 2, MaxZoom: 9}
	bad := DiagramMetadata{Width: 28045, Height: 13644, TileSize: 256, MinZoom: 5, MaxZoom: 2}

	var wg sync.WaitGroup
	errs := make([]error, 64)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			md := good
			if i%2 == 1 {
				md = bad
			}
			errs[i] = md.Validate()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if i%2 == 0 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrInvalidMetadata)
		}
	}
}
