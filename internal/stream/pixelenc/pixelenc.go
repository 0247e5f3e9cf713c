// Package pixelenc decodes elevation tiles stored as RGB(A) images.
package pixelenc

import (
	"fmt"
	"image"
	"strings"
)

type Encoding int

const (
	// NASADEM packs height as a big-endian uint16 in R,G with bias -32768.
	NASADEM Encoding = iota
	// Terrarium: 256·R + G + B/256 − 32768.
	Terrarium
	// TerrainRGB: 0.1·(65536·R + 256·G + B) − 10000.
	TerrainRGB
)

var names = map[Encoding]string{
	NASADEM:    "nasadem",
	Terrarium:  "terrarium",
	TerrainRGB: "terrain-rgb",
}

func (e Encoding) String() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("encoding(%d)", int(e))
}

func ParseEncoding(s string) (Encoding, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for e, n := range names {
		if n == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel encoding %q", s)
}

// multiply-add coefficients for R, G, B and the bias.
var coefficients = map[Encoding][4]float64{
	Terrarium:  {256, 1, 1.0 / 256, -32768},
	TerrainRGB: {0.1 * 256 * 256, 0.1 * 256, 0.1, -10000},
}

// Height decodes one pixel. A pixel whose R and G channels are both zero
// is the no-data marker: it returns (0, false), which callers must keep
// distinct from a decoded height of zero.
func (e Encoding) Height(r, g, b uint8) (float64, bool) {
	if r == 0 && g == 0 {
		return 0, false
	}
	if e == NASADEM {
		return float64(uint16(r)<<8|uint16(g)) - 32768, true
	}
	m, ok := coefficients[e]
	if !ok {
		return 0, false
	}
	return m[0]*float64(r) + m[1]*float64(g) + m[2]*float64(b) + m[3], true
}

// Heights decodes every pixel of img into a row-major float32 plane of
// img's bounds. No-data pixels become 0.
func (e Encoding) Heights(img image.Image) []float32 {
	b := img.Bounds()
	out := make([]float32, b.Dx()*b.Dy())
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				h, _ := e.Height(row[4*x], row[4*x+1], row[4*x+2])
				out[x+y*b.Dx()] = float32(h)
			}
		}
		return out
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bb, _ := img.At(x, y).RGBA()
			h, _ := e.Height(uint8(r>>8), uint8(g>>8), uint8(bb>>8))
			out[(x-b.Min.X)+(y-b.Min.Y)*b.Dx()] = float32(h)
		}
	}
	return out
}
