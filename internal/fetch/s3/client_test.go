package s3

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"terrastream.ai/internal/fetch"
	"terrastream.ai/internal/tile"
)

func TestSourceSignsAndFetches(t *testing.T) {
	var gotPath, gotAuth, gotDate string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotDate = r.Header.Get("x-amz-date")
		if r.URL.Path == "/tiles/elev/3/2/1.png" {
			_, _ = w.Write([]byte("payload"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "tiles", "", "AKID", "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	tmpl, err := fetch.NewTemplate("elev/{z}/{x}/{y}.png", "")
	if err != nil {
		t.Fatal(err)
	}
	src := NewSource(c, tmpl)

	b, err := src.Fetch(context.Background(), tile.FromTile(2, 1, 3))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(b) != "payload" || gotPath != "/tiles/elev/3/2/1.png" {
		t.Fatalf("got %q from %s", b, gotPath)
	}
	if gotDate != "20240501T120000Z" {
		t.Fatalf("x-amz-date: %s", gotDate)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/20240501/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("authorization: %s", gotAuth)
	}

	if _, err := src.Fetch(context.Background(), tile.FromTile(0, 0, 3)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New("example.com", "b", "", "", "s"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	tests := map[string]string{
		"/a/b.png":   "a/b.png",
		`a\b.png`:    "a/b.png",
		"../etc":     "etc",
		"a/../b.png": "b.png",
		"":           "",
	}
	for in, want := range tests {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q) = %q want %q", in, got, want)
		}
	}
}
