package indirection

import (
	"slices"

	"terrastream.ai/internal/tile"
)

// Uploader receives the dirty rows after each update. data holds rows
// [y0, y1) of the full-width buffer and is only valid during the call.
type Uploader interface {
	UploadRows(y0, y1 int, data []float32)
}

// Table maps occupied quadkeys onto the buffer. Cells are addressed at
// refZoom, so the buffer side must be 2^refZoom.
type Table struct {
	buf     *Buffer
	refZoom int
	up      Uploader

	prev map[tile.Key]int
}

func NewTable(size, refZoom int, up Uploader) *Table {
	return &Table{
		buf:     NewBuffer(size),
		refZoom: refZoom,
		up:      up,
		prev:    map[tile.Key]int{},
	}
}

func (t *Table) Buffer() *Buffer { return t.buf }

// Footprint is the cell rectangle k covers at the reference zoom. A tile
// finer than the reference zoom covers only part of a cell, so it has no
// footprint and is left out of the table.
func (t *Table) Footprint(k tile.Key) Rect {
	x, y, z := k.Tile()
	if z > t.refZoom {
		return Rect{}
	}
	n := 1 << uint(t.refZoom-z)
	return Rect{x * n, y * n, (x + 1) * n, (y + 1) * n}
}

// CellValue is what every cell covered by k at slot holds.
func (t *Table) CellValue(k tile.Key, slot int) Cell {
	fp := t.Footprint(k)
	tileSize := float32(uint64(1) << uint(k.Depth()))
	originScale := -tileSize / float32(t.buf.size)
	return Cell{
		float32(slot),
		tileSize,
		float32(fp.X0) * originScale,
		float32(fp.Y0) * originScale,
	}
}

// Update rewrites the region touched by keys that appeared, disappeared or
// changed slot since the previous call, and uploads its rows. It returns
// the dirty rectangle, or false when nothing changed.
func (t *Table) Update(occupied map[tile.Key]int) (Rect, bool) {
	var dirty Rect
	for k, slot := range occupied {
		if k.Depth() > t.refZoom {
			continue
		}
		if old, ok := t.prev[k]; !ok || old != slot {
			dirty = dirty.Union(t.Footprint(k))
		}
	}
	for k := range t.prev {
		if _, ok := occupied[k]; !ok {
			dirty = dirty.Union(t.Footprint(k))
		}
	}
	dirty = dirty.Intersect(Rect{0, 0, t.buf.size, t.buf.size})
	if dirty.Empty() {
		t.remember(occupied)
		return Rect{}, false
	}

	keys := make([]tile.Key, 0, len(occupied))
	for k := range occupied {
		if k.Depth() <= t.refZoom {
			keys = append(keys, k)
		}
	}
	// Coarse first so finer tiles overwrite their ancestors.
	slices.SortFunc(keys, tile.ByDepth)

	t.buf.FillRegion(dirty, Cell{})
	for _, k := range keys {
		r := t.Footprint(k).Intersect(dirty)
		if r.Empty() {
			continue
		}
		t.buf.FillRegion(r, t.CellValue(k, occupied[k]))
	}

	if t.up != nil {
		t.up.UploadRows(dirty.Y0, dirty.Y1, t.buf.Rows(dirty.Y0, dirty.Y1))
	}
	t.remember(occupied)
	return dirty, true
}

func (t *Table) remember(occupied map[tile.Key]int) {
	clear(t.prev)
	for k, v := range occupied {
		t.prev[k] = v
	}
}
