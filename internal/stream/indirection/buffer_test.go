package indirection

import (
	"testing"

	"terrastream.ai/internal/tile"
)

func naiveFill(size int, x0, y0, w, h int, v Cell) []float32 {
	data := make([]float32, 4*size*size)
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			copy(data[4*(x+y*size):], v[:])
		}
	}
	return data
}

func TestFillRectMatchesNaive(t *testing.T) {
	v := Cell{3, 8, -0.25, -0.5}
	cases := []struct{ x, y, w, h int }{
		{0, 0, 1, 1},
		{2, 3, 5, 4},
		{1, 1, 7, 1},
		{0, 5, 16, 3},
		{9, 0, 7, 16},
		{4, 4, 8, 8},
	}
	for _, c := range cases {
		b := NewBuffer(16)
		b.FillRect(c.x+c.y*16, c.w, c.h, v)
		want := naiveFill(16, c.x, c.y, c.w, c.h, v)
		for i := range want {
			if b.data[i] != want[i] {
				t.Fatalf("case %+v: mismatch at float %d: got %v want %v", c, i, b.data[i], want[i])
			}
		}
	}
}

func TestFillCoversWholeBuffer(t *testing.T) {
	b := NewBuffer(8)
	b.Fill(Cell{1, 2, 3, 4})
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if b.At(x, y) != (Cell{1, 2, 3, 4}) {
				t.Fatalf("cell %d,%d = %v", x, y, b.At(x, y))
			}
		}
	}
}

func TestFillRectIgnoresEmpty(t *testing.T) {
	b := NewBuffer(4)
	b.FillRect(0, 0, 3, Cell{1})
	b.FillRect(0, 3, -1, Cell{1})
	for _, f := range b.data {
		if f != 0 {
			t.Fatalf("expected untouched buffer")
		}
	}
}

type recordingUploader struct {
	calls [][2]int
	rows  int
}

func (u *recordingUploader) UploadRows(y0, y1 int, data []float32) {
	u.calls = append(u.calls, [2]int{y0, y1})
	u.rows += y1 - y0
}

func TestTableFinerTilesOverwriteCoarser(t *testing.T) {
	up := &recordingUploader{}
	tb := NewTable(16, 4, up)

	parent := tile.FromTile(0, 0, 2) // covers cells [0,4)×[0,4)
	child := parent.Child(3)         // tile (1,1,3): cells [2,4)×[2,4)
	occupied := map[tile.Key]int{child: 7, parent: 2}

	dirty, ok := tb.Update(occupied)
	if !ok || dirty != (Rect{0, 0, 4, 4}) {
		t.Fatalf("dirty: %+v ok=%v", dirty, ok)
	}
	if got := tb.Buffer().At(3, 3)[0]; got != 7 {
		t.Fatalf("child cell slot: got %v want 7", got)
	}
	if got := tb.Buffer().At(0, 0)[0]; got != 2 {
		t.Fatalf("parent cell slot: got %v want 2", got)
	}
	if got := tb.Buffer().At(3, 3)[1]; got != 8 {
		t.Fatalf("child tile size: got %v want 8", got)
	}
	if got := tb.Buffer().At(3, 3)[2]; got != -2*8.0/16 {
		t.Fatalf("child origin x: got %v", got)
	}
	if len(up.calls) != 1 || up.calls[0] != [2]int{0, 4} {
		t.Fatalf("upload calls: %v", up.calls)
	}
}

func TestTableOnlyRewritesDirtyRegion(t *testing.T) {
	up := &recordingUploader{}
	tb := NewTable(16, 4, up)

	a := tile.FromTile(0, 0, 2)
	b := tile.FromTile(3, 3, 2)
	tb.Update(map[tile.Key]int{a: 1, b: 2})

	// Unchanged set: nothing to do.
	if _, ok := tb.Update(map[tile.Key]int{a: 1, b: 2}); ok {
		t.Fatalf("expected no change")
	}

	// Remove b: its footprint becomes empty, a is untouched.
	dirty, ok := tb.Update(map[tile.Key]int{a: 1})
	if !ok || dirty != (Rect{12, 12, 16, 16}) {
		t.Fatalf("dirty: %+v", dirty)
	}
	if tb.Buffer().At(13, 13) != (Cell{}) {
		t.Fatalf("removed tile should clear its cells")
	}
	if tb.Buffer().At(1, 1)[0] != 1 {
		t.Fatalf("untouched tile lost its cells")
	}
	if last := up.calls[len(up.calls)-1]; last != [2]int{12, 16} {
		t.Fatalf("upload rows: %v", last)
	}

	// Slot change counts as dirty.
	dirty, ok = tb.Update(map[tile.Key]int{a: 5})
	if !ok || dirty != (Rect{0, 0, 4, 4}) || tb.Buffer().At(0, 0)[0] != 5 {
		t.Fatalf("slot change: dirty=%+v cell=%v", dirty, tb.Buffer().At(0, 0))
	}
}

func TestTableIgnoresTilesFinerThanReference(t *testing.T) {
	up := &recordingUploader{}
	tb := NewTable(4, 2, up)

	coarse := tile.FromTile(0, 0, 2)
	fine := tile.FromTile(1, 1, 4) // inside cell (0,0), a sixteenth of it
	if fp := tb.Footprint(fine); !fp.Empty() {
		t.Fatalf("fine footprint: %+v", fp)
	}

	tb.Update(map[tile.Key]int{coarse: 1})
	want := tb.Buffer().At(0, 0)
	if _, ok := tb.Update(map[tile.Key]int{coarse: 1, fine: 9}); ok {
		t.Fatalf("fine tile marked the table dirty")
	}
	if got := tb.Buffer().At(0, 0); got != want || got[0] != 1 || got[1] != 4 {
		t.Fatalf("cell (0,0) = %v, want coarse tile %v", got, want)
	}
	if len(up.calls) != 1 {
		t.Fatalf("upload calls: %v", up.calls)
	}

	// Dropping the fine tile is not a change either.
	if _, ok := tb.Update(map[tile.Key]int{coarse: 1}); ok {
		t.Fatalf("removing fine tile marked the table dirty")
	}
}
