// Package indirection maintains the CPU copy of the indirection texture:
// a square grid of cells at a reference zoom, each naming the pool slot,
// tile size and origin of the finest loaded tile covering it.
package indirection

// Cell is one RGBA float texel: slot, tile size, scaled origin x, scaled
// origin y. A zero cell (tile size 0) means no data.
type Cell [4]float32

// Buffer is a size×size grid of Cells stored as flat float32 RGBA.
type Buffer struct {
	size int
	data []float32
}

func NewBuffer(size int) *Buffer {
	return &Buffer{size: size, data: make([]float32, 4*size*size)}
}

func (b *Buffer) Size() int       { return b.size }
func (b *Buffer) Data() []float32 { return b.data }

func (b *Buffer) At(x, y int) Cell {
	p := 4 * (x + y*b.size)
	return Cell{b.data[p], b.data[p+1], b.data[p+2], b.data[p+3]}
}

// Set writes one cell at linear offset p.
func (b *Buffer) Set(p int, v Cell) {
	copy(b.data[4*p:4*p+4], v[:])
}

// FillRect writes v into the width×height block whose top-left cell is at
// linear offset p. The first row is built by doubling the written run,
// then copied down, so the cost is O(log width + height) copies. The block
// must lie inside the buffer.
func (b *Buffer) FillRect(p, width, height int, v Cell) {
	if width <= 0 || height <= 0 {
		return
	}
	if width == b.size && height == b.size {
		b.Fill(v)
		return
	}

	b.Set(p, v)
	for i := 1; i < width; i *= 2 {
		count := min(i, width-i)
		copy(b.data[4*(p+i):], b.data[4*p:4*(p+count)])
	}

	row := b.data[4*p : 4*(p+width)]
	for j := 1; j < height; j++ {
		copy(b.data[4*(p+b.size*j):], row)
	}
}

// Fill writes v into every cell.
func (b *Buffer) Fill(v Cell) {
	b.Set(0, v)
	for i, n := 1, b.size*b.size; i < n; i *= 2 {
		copy(b.data[4*i:], b.data[:4*i])
	}
}

// FillRegion clips r to the buffer and fills it.
func (b *Buffer) FillRegion(r Rect, v Cell) {
	r = r.Intersect(Rect{0, 0, b.size, b.size})
	if r.Empty() {
		return
	}
	b.FillRect(r.X0+r.Y0*b.size, r.Dx(), r.Dy(), v)
}

// Rows returns the flat data of rows [y0, y1).
func (b *Buffer) Rows(y0, y1 int) []float32 {
	return b.data[4*y0*b.size : 4*y1*b.size]
}
