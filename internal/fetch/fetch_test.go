package fetch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"terrastream.ai/internal/persistence/tiledb"
	"terrastream.ai/internal/tile"
)

func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestTemplateExpand(t *testing.T) {
	tmpl, err := NewTemplate("https://t.example/{z}/{x}/{y}.png?key={apiKey}&q={quadkey}&tms={-y}", "K")
	if err != nil {
		t.Fatal(err)
	}
	got := tmpl.Expand(tile.FromTile(3, 5, 3))
	want := "https://t.example/3/3/5.png?key=K&q=213&tms=2"
	if got != want {
		t.Fatalf("Expand: %s want %s", got, want)
	}
	if _, err := NewTemplate("https://t.example/static.png", ""); err == nil {
		t.Fatalf("expected error for template without placeholders")
	}
}

func TestDecodeUnwrapsCompressedBlobs(t *testing.T) {
	raw := pngBytes(t, color.RGBA{10, 20, 30, 255})

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, _ = zw.Write(raw)
	_ = zw.Close()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	zs := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	for name, blob := range map[string][]byte{"plain": raw, "gzip": gz.Bytes(), "zstd": zs} {
		img, err := Decode(blob)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		r, g, b, _ := img.At(1, 1).RGBA()
		if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
			t.Fatalf("%s: pixel %d %d %d", name, r>>8, g>>8, b>>8)
		}
	}
	if _, err := Decode([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestHTTPSource(t *testing.T) {
	raw := pngBytes(t, color.RGBA{1, 2, 3, 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1/0/0":
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(w)
			_, _ = zw.Write(raw)
			_ = zw.Close()
		case "/1/1/0":
			_, _ = w.Write(raw)
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tmpl, _ := NewTemplate(srv.URL+"/{z}/{x}/{y}", "")
	src := NewHTTPSource(tmpl, srv.Client())

	for _, k := range []tile.Key{tile.FromTile(0, 0, 1), tile.FromTile(1, 0, 1)} {
		b, err := src.Fetch(context.Background(), k)
		if err != nil {
			t.Fatalf("Fetch %s: %v", k, err)
		}
		if !bytes.Equal(b, raw) {
			t.Fatalf("Fetch %s: body mismatch", k)
		}
	}
	if _, err := src.Fetch(context.Background(), tile.FromTile(1, 1, 1)); !errors.Is(err, ErrStatus) {
		t.Fatalf("expected ErrStatus, got %v", err)
	}
}

type countingSource struct {
	calls atomic.Int64
	body  []byte
	err   error
	gate  chan struct{}
}

func (s *countingSource) Fetch(ctx context.Context, k tile.Key) ([]byte, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.body, s.err
}

func TestPoolResolvesFutures(t *testing.T) {
	src := &countingSource{body: pngBytes(t, color.RGBA{9, 9, 9, 255})}
	p := NewPool(src, 2, 8, nil)
	defer p.Close()

	f := p.Load(context.Background(), tile.MustParse("01"))
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("future did not resolve")
	}
	img, err := f.Result()
	if err != nil || img == nil {
		t.Fatalf("Result: %v %v", img, err)
	}
	if f.Bytes() == 0 {
		t.Fatalf("Bytes not recorded")
	}
	if st := p.Stats(); st.SuccessTotal != 1 || st.RequestedTotal != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestPoolFailureAndCancel(t *testing.T) {
	src := &countingSource{err: errors.New("boom")}
	p := NewPool(src, 1, 4, nil)

	f := p.Load(context.Background(), tile.MustParse("1"))
	if _, err := f.Result(); err == nil {
		t.Fatalf("expected error")
	}

	gated := &countingSource{body: pngBytes(t, color.RGBA{}), gate: make(chan struct{})}
	gp := NewPool(gated, 1, 4, nil)
	g := gp.Load(context.Background(), tile.MustParse("2"))
	g.Cancel()
	if _, err := g.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	gp.Close()
	p.Close()

	if st := p.Stats(); st.FailTotal != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if _, err := p.Load(context.Background(), tile.MustParse("3")).Result(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCachedSourceReadsThrough(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.mbtiles")
	db, err := tiledb.Open(path, tiledb.Options{})
	if err != nil {
		t.Fatal(err)
	}
	up := &countingSource{body: []byte("blob")}
	src := NewCachedSource(up, db)
	k := tile.FromTile(2, 3, 2)

	if b, err := src.Fetch(context.Background(), k); err != nil || string(b) != "blob" {
		t.Fatalf("first fetch: %q %v", b, err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	ro, err := tiledb.Open(path, tiledb.Options{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	b, err := NewMBTilesSource(ro).Fetch(context.Background(), k)
	if err != nil || string(b) != "blob" {
		t.Fatalf("mbtiles fetch: %q %v", b, err)
	}
	if up.calls.Load() != 1 {
		t.Fatalf("upstream calls: %d", up.calls.Load())
	}
}

func TestResolvedAndPending(t *testing.T) {
	f := Resolved(nil, errors.New("x"))
	if !f.Ready() {
		t.Fatalf("Resolved should be ready")
	}
	p, resolve := Pending()
	if p.Ready() {
		t.Fatalf("Pending should not be ready")
	}
	resolve(image.NewRGBA(image.Rect(0, 0, 1, 1)), nil)
	resolve(nil, errors.New("second resolve ignored"))
	if img, err := p.Result(); img == nil || err != nil {
		t.Fatalf("Result: %v %v", img, err)
	}
}
