package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/engine"
	"terrastream.ai/internal/fetch"
	"terrastream.ai/internal/persistence/tiledb"
	"terrastream.ai/internal/tile"
	"terrastream.ai/internal/tuning"
)

func prefetchCmd(args []string) {
	fs := flag.NewFlagSet("prefetch", flag.ExitOnError)
	tuningPath := fs.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	kind := fs.String("kind", "imagery", "elevation or imagery")
	bbox := fs.String("bbox", "", "minLng,minLat,maxLng,maxLat")
	minZ := fs.Int("minz", 0, "first zoom level")
	maxZ := fs.Int("maxz", 8, "last zoom level")
	out := fs.String("out", "", "MBTiles output (default: the source's cache_path)")
	workers := fs.Int("workers", 8, "concurrent fetches")
	_ = fs.Parse(args)

	b, err := parseBound(*bbox)
	if err != nil {
		fatal(2, "-bbox: %v", err)
	}
	if *minZ < 0 || *maxZ < *minZ || *maxZ > 22 {
		fatal(2, "bad zoom range %d..%d", *minZ, *maxZ)
	}
	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fatal(1, "load tuning: %v", err)
	}
	spec := tune.Imagery
	if *kind == "elevation" {
		spec = tune.Elevation
	} else if *kind != "imagery" {
		fatal(2, "unknown -kind %q", *kind)
	}
	if *out != "" {
		spec.CachePath = *out
	}
	if spec.CachePath == "" || spec.Kind == "mbtiles" {
		fatal(2, "prefetch needs a remote source and an -out or cache_path")
	}

	src, dbs, err := engine.BuildSource(spec)
	if err != nil {
		fatal(1, "source: %v", err)
	}
	keys := coverKeys(b, *minZ, *maxZ)
	fmt.Fprintf(os.Stderr, "prefetching %d %s tiles into %s\n", len(keys), *kind, spec.CachePath)

	start := time.Now()
	ok, failed := prefetch(context.Background(), src, keys, *workers)
	written, dropped, err := closeCaches(dbs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "close cache: %v\n", err)
	}
	if dropped > 0 {
		fmt.Fprintf(os.Stderr, "%d cache writes dropped, rerun to fill them\n", dropped)
	}
	printJSON(map[string]any{
		"tiles": len(keys), "ok": ok, "failed": failed,
		"written": written, "dropped": dropped,
		"elapsed": time.Since(start).String(),
	})
}

// closeCaches closes dbs and totals their write counters. Close drains the
// write queue, so the counters are read afterwards.
func closeCaches(dbs []*tiledb.DB) (written, dropped uint64, err error) {
	for _, db := range dbs {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
		st := db.Stats()
		written += st.Written
		dropped += st.Dropped
	}
	return written, dropped, err
}

func prefetch(ctx context.Context, src fetch.Source, keys []tile.Key, workers int) (ok, failed int64) {
	var nOK, nFail atomic.Int64
	jobs := make(chan tile.Key)
	var wg sync.WaitGroup
	for i := 0; i < max(workers, 1); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range jobs {
				if _, err := src.Fetch(ctx, k); err != nil {
					nFail.Add(1)
					continue
				}
				nOK.Add(1)
			}
		}()
	}
	for _, k := range keys {
		jobs <- k
	}
	close(jobs)
	wg.Wait()
	return nOK.Load(), nFail.Load()
}

// coverKeys lists the tiles intersecting b for each zoom in [minZ, maxZ],
// coarse levels first.
func coverKeys(b orb.Bound, minZ, maxZ int) []tile.Key {
	var out []tile.Key
	for z := minZ; z <= maxZ; z++ {
		lo := keyAt(orb.Point{b.Min.Lon(), b.Max.Lat()}, z)
		hi := keyAt(orb.Point{b.Max.Lon(), b.Min.Lat()}, z)
		x0, y0, _ := lo.Tile()
		x1, y1, _ := hi.Tile()
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				out = append(out, tile.FromTile(x, y, z))
			}
		}
	}
	return out
}

func parseBound(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("want 4 numbers, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, err
		}
		v[i] = f
	}
	lo, err := parsePoint(fmt.Sprintf("%v,%v", v[0], v[1]))
	if err != nil {
		return orb.Bound{}, err
	}
	hi, err := parsePoint(fmt.Sprintf("%v,%v", v[2], v[3]))
	if err != nil {
		return orb.Bound{}, err
	}
	if hi[0] < lo[0] || hi[1] < lo[1] {
		return orb.Bound{}, fmt.Errorf("empty bbox %q", s)
	}
	return orb.Bound{Min: lo, Max: hi}, nil
}
