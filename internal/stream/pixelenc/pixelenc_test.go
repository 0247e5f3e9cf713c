package pixelenc

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestHeight(t *testing.T) {
	tests := []struct {
		enc     Encoding
		r, g, b uint8
		want    float64
		ok      bool
	}{
		{NASADEM, 0x80, 0x00, 0xff, 0, true},
		{NASADEM, 0x81, 0x2c, 0, 300, true},
		{NASADEM, 0, 0, 0, 0, false},
		{Terrarium, 128, 0, 0, 0, true},
		{Terrarium, 128, 100, 128, 100.5, true},
		{Terrarium, 0, 0, 0, 0, false},
		{TerrainRGB, 1, 134, 160, 0, true},
		{TerrainRGB, 0, 0, 0, 0, false},
	}
	for _, tt := range tests {
		got, ok := tt.enc.Height(tt.r, tt.g, tt.b)
		if ok != tt.ok || math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("%v.Height(%d,%d,%d) = %v,%v want %v,%v", tt.enc, tt.r, tt.g, tt.b, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseEncoding(t *testing.T) {
	for _, e := range []Encoding{NASADEM, Terrarium, TerrainRGB} {
		got, err := ParseEncoding(" " + e.String() + " ")
		if err != nil || got != e {
			t.Fatalf("ParseEncoding(%q) = %v,%v", e.String(), got, err)
		}
	}
	if _, err := ParseEncoding("mapbox"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHeightsNoDataIsZero(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{0x80, 0x0a, 0, 255})
	img.Set(1, 0, color.RGBA{0, 0, 0, 255})
	h := NASADEM.Heights(img)
	if h[0] != 10 || h[1] != 0 {
		t.Fatalf("heights: %v", h)
	}

	nrgba := image.NewNRGBA(image.Rect(5, 5, 6, 6))
	nrgba.Set(5, 5, color.NRGBA{0x80, 0x0a, 0, 255})
	if got := NASADEM.Heights(nrgba); got[0] != 10 {
		t.Fatalf("generic path: %v", got)
	}
}

func TestHeightsOfSubImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			// Terrarium: height = 256·R - 32768, so R encodes the row.
			img.Set(x, y, color.RGBA{uint8(128 + y), 0, 0, 255})
		}
	}
	img.Set(2, 3, color.RGBA{140, 0, 0, 255})

	sub := img.SubImage(image.Rect(1, 2, 3, 4)).(*image.RGBA)
	got := Terrarium.Heights(sub)
	want := []float32{512, 512, 768, 12 * 256}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("heights %v, want %v", got, want)
		}
	}
}
