// Package render provides PNG rendering of placeholder tiles and marker icons
// using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"github.com/pathway-tiles/server/pkg/colormap"
)

// Marker kinds.
const (
	MarkerPin      = "pin"
	MarkerElement  = "element"
	MarkerReaction = "reaction"
)

// Config contains renderer configuration.
type Config struct {
	TileSize   int
	MarkerSize int
}

// TileRenderer renders placeholder tiles and marker icons.
type TileRenderer struct {
	config     Config
	bufferPool sync.Pool

	emptyOnce sync.Once
	empty     []byte
	emptyErr  error
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.MarkerSize <= 0 {
		cfg.MarkerSize = 32
	}
	return &TileRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 8*1024))
			},
		},
	}
}

// MarkerSize returns the marker icon edge length in pixels.
func (r *TileRenderer) MarkerSize() int {
	return r.config.MarkerSize
}

// RenderMarker renders a pin-shaped marker icon. The pin's tip is at the
// bottom centre of the image, which is where the map should anchor it.
func (r *TileRenderer) RenderMarker(kind string) ([]byte, error) {
	fill, ok := colormap.Markers.Named(kind)
	if !ok {
		return nil, fmt.Errorf("unknown marker kind: %s", kind)
	}
	outline := colormap.Darken(fill, 0.35)

	size := float64(r.config.MarkerSize)
	dc := gg.NewContext(r.config.MarkerSize, r.config.MarkerSize)

	cx := size / 2
	radius := size * 0.32
	cy := radius + 1.5

	dc.MoveTo(cx-radius*0.82, cy+radius*0.57)
	dc.LineTo(cx, size-1)
	dc.LineTo(cx+radius*0.82, cy+radius*0.57)
	dc.ClosePath()
	dc.DrawCircle(cx, cy, radius)
	dc.SetColor(fill)
	dc.FillPreserve()
	dc.SetColor(outline)
	dc.SetLineWidth(1.5)
	dc.Stroke()

	dc.DrawCircle(cx, cy, radius*0.4)
	dc.SetColor(color.White)
	dc.Fill()

	return r.encode(dc.Image())
}

func (r *TileRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyTile returns a transparent tile, rendered once.
func (r *TileRenderer) EmptyTile() ([]byte, error) {
	r.emptyOnce.Do(func() {
		r.empty, r.emptyErr = r.createEmptyTile()
	})
	return r.empty, r.emptyErr
}

func (r *TileRenderer) createEmptyTile() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	// Fill with transparent white
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255   // R
		img.Pix[i+1] = 255 // G
		img.Pix[i+2] = 255 // B
		img.Pix[i+3] = 0   // A (transparent)
	}
	return r.encode(img)
}
