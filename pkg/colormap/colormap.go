// Package colormap provides the color schemes used for map markers.
package colormap

import (
	"fmt"
	"image/color"
)

// Palette is an ordered list of distinct colors, optionally named.
type Palette struct {
	colors []color.RGBA
	names  map[string]int
}

// AtIndex returns color at index i (wraps around).
func (p Palette) AtIndex(i int) color.RGBA {
	if i < 0 {
		i = -i
	}
	return p.colors[i%len(p.colors)]
}

// Named returns the color registered under name.
func (p Palette) Named(name string) (color.RGBA, bool) {
	i, ok := p.names[name]
	if !ok {
		return color.RGBA{}, false
	}
	return p.colors[i], true
}

// Len returns the number of colors.
func (p Palette) Len() int {
	return len(p.colors)
}

// Hex formats c as #rrggbb.
func Hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Darken moves c towards black by t (0-1).
func Darken(c color.RGBA, t float64) color.RGBA {
	return interpolate(c, color.RGBA{0, 0, 0, c.A}, t)
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	if t <= 0 {
		return c1
	}
	if t >= 1 {
		return c2
	}
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: c1.A,
	}
}

// Markers colors marker icons by what they point at.
var Markers = Palette{
	colors: []color.RGBA{
		{214, 39, 40, 255},  // pin: red
		{31, 119, 180, 255}, // element: blue
		{44, 160, 44, 255},  // reaction: green
	},
	names: map[string]int{
		"pin":      0,
		"element":  1,
		"reaction": 2,
	},
}

// Categorical palette with 10 distinct colors
var Categorical = Palette{
	colors: []color.RGBA{
		{31, 119, 180, 255},  // Blue
		{255, 127, 14, 255},  // Orange
		{44, 160, 44, 255},   // Green
		{214, 39, 40, 255},   // Red
		{148, 103, 189, 255}, // Purple
		{140, 86, 75, 255},   // Brown
		{227, 119, 194, 255}, // Pink
		{127, 127, 127, 255}, // Gray
		{188, 189, 34, 255},  // Olive
		{23, 190, 207, 255},  // Cyan
	},
}
