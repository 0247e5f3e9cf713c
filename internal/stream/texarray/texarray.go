// Package texarray emulates a texture array by cutting one large texture
// into an N×N grid of equally sized blocks, one per pool slot.
package texarray

import (
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"math/bits"

	"golang.org/x/image/draw"

	"terrastream.ai/internal/stream/pixelenc"
)

var ErrSlotRange = errors.New("texarray: slot outside pool")

// Array stores a decoded tile image in a slot's block.
type Array interface {
	Insert(slot int, img image.Image) error
	Layout() Layout
}

// Layout is the block addressing shared by both array kinds.
type Layout struct {
	Blocks    int // blocks per side
	BlockSize int // texels per block side
}

// ValidPoolSize reports whether n is the square of a power of two.
func ValidPoolSize(n int) bool {
	if n < 1 {
		return false
	}
	s := int(math.Sqrt(float64(n)))
	return s*s == n && s&(s-1) == 0
}

// NewLayout sizes the grid for poolSize slots. A pool size that is not the
// square of a power of two is rounded up to the next such grid and
// reported on logger; slots beyond poolSize are simply never used.
func NewLayout(poolSize, blockSize int, logger *log.Logger) Layout {
	if poolSize < 1 {
		poolSize = 1
	}
	n := int(math.Ceil(math.Sqrt(float64(poolSize))))
	if n&(n-1) != 0 {
		n = 1 << bits.Len(uint(n))
	}
	if !ValidPoolSize(poolSize) && logger != nil {
		logger.Printf("pool size %d is not a square of a power of two; using %dx%d blocks", poolSize, n, n)
	}
	return Layout{Blocks: n, BlockSize: blockSize}
}

// Side is the full texture side in texels.
func (l Layout) Side() int { return l.Blocks * l.BlockSize }

// Block returns the texel rectangle of slot, row-major within the grid.
func (l Layout) Block(slot int) (image.Rectangle, error) {
	if slot < 0 || slot >= l.Blocks*l.Blocks {
		return image.Rectangle{}, fmt.Errorf("%w: %d", ErrSlotRange, slot)
	}
	x := l.BlockSize * (slot % l.Blocks)
	y := l.BlockSize * (slot / l.Blocks)
	return image.Rect(x, y, x+l.BlockSize, y+l.BlockSize), nil
}

// RGBAUploader pushes a changed block to the GPU copy.
type RGBAUploader interface {
	UploadRGBA(r image.Rectangle, img *image.RGBA)
}

// RGBA is the imagery array.
type RGBA struct {
	layout Layout
	img    *image.RGBA
	up     RGBAUploader
}

func NewRGBA(layout Layout, up RGBAUploader) *RGBA {
	side := layout.Side()
	return &RGBA{
		layout: layout,
		img:    image.NewRGBA(image.Rect(0, 0, side, side)),
		up:     up,
	}
}

func (a *RGBA) Layout() Layout     { return a.layout }
func (a *RGBA) Image() *image.RGBA { return a.img }

func (a *RGBA) Insert(slot int, src image.Image) error {
	r, err := a.layout.Block(slot)
	if err != nil {
		return err
	}
	sb := src.Bounds()
	if sb.Dx() == r.Dx() && sb.Dy() == r.Dy() {
		draw.Draw(a.img, r, src, sb.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(a.img, r, src, sb, draw.Src, nil)
	}
	if a.up != nil {
		a.up.UploadRGBA(r, a.img.SubImage(r).(*image.RGBA))
	}
	return nil
}

// HeightUploader pushes a changed block of decoded heights.
type HeightUploader interface {
	UploadHeights(r image.Rectangle, data []float32)
}

// Heights is the elevation array: one float32 height per texel.
type Heights struct {
	layout Layout
	enc    pixelenc.Encoding
	data   []float32
	up     HeightUploader
}

func NewHeights(layout Layout, enc pixelenc.Encoding, up HeightUploader) *Heights {
	side := layout.Side()
	return &Heights{
		layout: layout,
		enc:    enc,
		data:   make([]float32, side*side),
		up:     up,
	}
}

func (a *Heights) Layout() Layout { return a.layout }

// At returns the stored height of texel (x, y) of the full texture.
func (a *Heights) At(x, y int) float32 {
	return a.data[x+y*a.layout.Side()]
}

func (a *Heights) Insert(slot int, src image.Image) error {
	r, err := a.layout.Block(slot)
	if err != nil {
		return err
	}
	sb := src.Bounds()
	if sb.Dx() != r.Dx() || sb.Dy() != r.Dy() {
		// Encoded channels must not be blended, so resample by nearest texel.
		dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
		src = dst
	}
	block := a.enc.Heights(src)
	side := a.layout.Side()
	bs := a.layout.BlockSize
	for y := 0; y < bs; y++ {
		copy(a.data[r.Min.X+(r.Min.Y+y)*side:], block[y*bs:(y+1)*bs])
	}
	if a.up != nil {
		a.up.UploadHeights(r, block)
	}
	return nil
}
