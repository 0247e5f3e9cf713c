package feedback

import (
	"math"
	"testing"
)

type fakeRenderer struct {
	w, h    int
	pix     []byte
	proj    [16]float64
	renders int
	reads   [][2]int
}

func newFakeRenderer(w, h int) *fakeRenderer {
	return &fakeRenderer{w: w, h: h, pix: make([]byte, 4*w*h)}
}

func (f *fakeRenderer) RenderFeedback(width, height int) [16]float64 {
	f.renders++
	return f.proj
}

func (f *fakeRenderer) ReadPixels(x, y, w, h int, dst []byte) {
	f.reads = append(f.reads, [2]int{y, h})
	copy(dst, f.pix[4*f.w*y:4*f.w*(y+h)])
}

func (f *fakeRenderer) set(x, y int, r, g, b, a byte) {
	i := 4 * (x + f.w*y)
	f.pix[i], f.pix[i+1], f.pix[i+2], f.pix[i+3] = r, g, b, a
}

func TestScheduleDefault(t *testing.T) {
	p := New(Config{Width: 4, Height: 4, WaitFrames: 4, SkipFrames: 1, Slices: 1}, newFakeRenderer(4, 4), nil)
	p.SetPipelined(true)
	if p.Period() != 7 {
		t.Fatalf("period %d", p.Period())
	}
	for n := uint64(0); n < 7; n++ {
		st := p.Schedule(n)
		if st.Render != (n == 0) || st.Read != (n == 5) || st.Process != (n == 6) {
			t.Fatalf("frame %d: %+v", n, st)
		}
	}
}

func TestScheduleSlicedReads(t *testing.T) {
	p := New(Config{Width: 4, Height: 4, WaitFrames: 1, SkipFrames: 2, Slices: 2}, newFakeRenderer(4, 4), nil)
	p.SetPipelined(true)
	reads := map[uint64]int{}
	for n := uint64(0); n < uint64(p.Period()); n++ {
		if st := p.Schedule(n); st.Read {
			reads[n] = st.Slice
		}
	}
	if len(reads) != 2 || reads[2] != 0 || reads[4] != 1 {
		t.Fatalf("reads %v", reads)
	}
}

func TestNonPipelinedDoesEverythingEachFrame(t *testing.T) {
	r := newFakeRenderer(4, 4)
	r.set(0, 0, 0, 7, 0, 0)
	p := New(Config{Width: 4, Height: 4, WaitFrames: 4, SkipFrames: 1, Slices: 2}, r, nil)
	for i := 0; i < 3; i++ {
		res, ok := p.Advance()
		if !ok {
			t.Fatalf("frame %d: no result", i)
		}
		if res.Samples[0].Node != 7 || res.Samples[0].Error != -5 {
			t.Fatalf("sample %+v", res.Samples[0])
		}
	}
	if r.renders != 3 || len(r.reads) != 3 || r.reads[0] != [2]int{0, 4} {
		t.Fatalf("renders %d reads %v", r.renders, r.reads)
	}
}

func TestPipelinedCycle(t *testing.T) {
	r := newFakeRenderer(4, 4)
	p := New(Config{Width: 4, Height: 4, WaitFrames: 1, SkipFrames: 1, Slices: 2}, r, nil)
	p.SetPipelined(true)
	results := 0
	for i := 0; i < 3*p.Period(); i++ {
		if _, ok := p.Advance(); ok {
			results++
		}
	}
	if results != 3 || r.renders != 3 || len(r.reads) != 6 {
		t.Fatalf("results %d renders %d reads %d", results, r.renders, len(r.reads))
	}
	if r.reads[0] != [2]int{0, 2} || r.reads[1] != [2]int{2, 2} {
		t.Fatalf("slices %v", r.reads[:2])
	}
}

func TestDecode(t *testing.T) {
	s := Decode([]byte{1, 2, 0, 255, 0, 0, 0, 0})
	if len(s) != 2 {
		t.Fatalf("len %d", len(s))
	}
	if s[0].Node != 258 || s[0].Error != 5 {
		t.Fatalf("first %+v", s[0])
	}
	if s[1].Node != 0 || s[1].Error != -5 {
		t.Fatalf("second %+v", s[1])
	}
}

func TestCentreDistance(t *testing.T) {
	r := newFakeRenderer(4, 4)
	// fragZ = (256·255 + 0) / (256·255) = 1.
	r.set(2, 2, 0, 0, 255, 0)
	r.proj[10] = 1
	r.proj[14] = 20
	p := New(Config{Width: 4, Height: 4}, r, nil)
	res, ok := p.Advance()
	if !ok || !res.DistanceOK || math.Abs(res.Distance-10) > 1e-9 {
		t.Fatalf("distance %v %v", res.Distance, res.DistanceOK)
	}
}

func TestTargetSize(t *testing.T) {
	w, h := TargetSize(1920, 1080, 500)
	if w%2 != 0 || h%2 != 0 {
		t.Fatalf("odd size %dx%d", w, h)
	}
	if n := w * h; n < 400 || n > 600 {
		t.Fatalf("pixels %d", n)
	}
	if w, h := TargetSize(0, 10, 500); w != 2 || h != 2 {
		t.Fatalf("degenerate %dx%d", w, h)
	}
}
