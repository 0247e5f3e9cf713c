// Package fetch loads tile images from a URL template, an S3 bucket or an
// MBTiles file and hands them back as futures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"terrastream.ai/internal/persistence/tiledb"
	"terrastream.ai/internal/tile"
)

var (
	ErrStatus   = errors.New("fetch: unexpected status")
	ErrTooLarge = errors.New("fetch: tile too large")
)

// Source returns the encoded bytes of one tile.
type Source interface {
	Fetch(ctx context.Context, k tile.Key) ([]byte, error)
}

// Template expands {x} {y} {z} {-y} {quadkey} and {apiKey} in a URL or
// object key format.
type Template struct {
	format string
	apiKey string
}

func NewTemplate(format, apiKey string) (*Template, error) {
	format = strings.TrimSpace(format)
	if format == "" {
		return nil, fmt.Errorf("empty url format")
	}
	if !strings.Contains(format, "{quadkey}") &&
		!(strings.Contains(format, "{x}") && strings.Contains(format, "{z}") &&
			(strings.Contains(format, "{y}") || strings.Contains(format, "{-y}"))) {
		return nil, fmt.Errorf("url format %q needs {x} {y} {z} or {quadkey}", format)
	}
	return &Template{format: format, apiKey: apiKey}, nil
}

func (t *Template) Expand(k tile.Key) string {
	x, y, z := k.Tile()
	r := strings.NewReplacer(
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{-y}", strconv.Itoa((1<<uint(z))-1-y),
		"{z}", strconv.Itoa(z),
		"{quadkey}", k.String(),
		"{apiKey}", t.apiKey,
	)
	return r.Replace(t.format)
}

// HTTPSource fetches tiles over HTTP(S).
type HTTPSource struct {
	tmpl     *Template
	client   *http.Client
	maxBytes int64
}

const defaultMaxBytes = 8 << 20

func NewHTTPSource(tmpl *Template, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{tmpl: tmpl, client: client, maxBytes: defaultMaxBytes}
}

func (s *HTTPSource) Fetch(ctx context.Context, k tile.Key) ([]byte, error) {
	url := s.tmpl.Expand(k)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	// Set explicitly so the body is not transparently decoded; zstd would
	// otherwise never be offered.
	req.Header.Set("Accept-Encoding", "gzip, zstd")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("%w %d for %s", ErrStatus, resp.StatusCode, k)
	}

	var body io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer zr.Close()
		body = zr
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		defer zr.Close()
		body = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
	return readLimited(body, s.maxBytes)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, ErrTooLarge
	}
	return b, nil
}

// MBTilesSource serves tiles from an MBTiles file.
type MBTilesSource struct {
	db *tiledb.DB
}

func NewMBTilesSource(db *tiledb.DB) *MBTilesSource {
	return &MBTilesSource{db: db}
}

func (s *MBTilesSource) Fetch(ctx context.Context, k tile.Key) ([]byte, error) {
	x, y, z := k.Tile()
	return s.db.Get(ctx, z, x, y)
}

// CachedSource is a read-through cache: hits come from the MBTiles file,
// misses go to the upstream source and are queued for writing.
type CachedSource struct {
	upstream Source
	db       *tiledb.DB
}

func NewCachedSource(upstream Source, db *tiledb.DB) *CachedSource {
	return &CachedSource{upstream: upstream, db: db}
}

func (s *CachedSource) Fetch(ctx context.Context, k tile.Key) ([]byte, error) {
	x, y, z := k.Tile()
	b, err := s.db.Get(ctx, z, x, y)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, tiledb.ErrNotFound) {
		return nil, err
	}
	b, err = s.upstream.Fetch(ctx, k)
	if err != nil {
		return nil, err
	}
	s.db.Put(z, x, y, b)
	return b, nil
}
