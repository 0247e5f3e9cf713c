package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"

	plog "terrastream.ai/internal/persistence/log"
	"terrastream.ai/internal/persistence/tiledb"
	"terrastream.ai/internal/tile"
)

func TestDescribeAndKeyAt(t *testing.T) {
	k := keyAt(orb.Point{-122.4, 37.8}, 3)
	d := describe(k)
	if d.Z != 3 || d.X != 1 || d.Y != 3 || d.Quadkey != "023" {
		t.Fatalf("describe %+v", d)
	}
	if d.Bound[0] > -122.4 || d.Bound[2] < -122.4 || d.Bound[1] > 37.8 || d.Bound[3] < 37.8 {
		t.Fatalf("bound %v does not hold the point", d.Bound)
	}
	// The antimeridian and poles clamp into range.
	if x, _, _ := keyAt(orb.Point{180, 0}, 2).Tile(); x != 3 {
		t.Fatalf("x at 180 = %d", x)
	}
}

func TestCoverKeys(t *testing.T) {
	b, err := parseBound("-180,-85,180,85")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	keys := coverKeys(b, 0, 2)
	if len(keys) != 1+4+16 {
		t.Fatalf("world cover %d keys", len(keys))
	}
	if keys[0].Depth() != 0 || keys[len(keys)-1].Depth() != 2 {
		t.Fatalf("order %s .. %s", keys[0], keys[len(keys)-1])
	}

	small, _ := parseBound("7.6,45.9,7.7,46.0")
	if n := len(coverKeys(small, 5, 5)); n != 1 {
		t.Fatalf("small cover %d keys", n)
	}
	for _, bad := range []string{"", "1,2,3", "10,0,5,1", "0,0,1,89"} {
		if _, err := parseBound(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}

type countingSource struct {
	mu   sync.Mutex
	seen map[tile.Key]int
	fail tile.Key
}

func (s *countingSource) Fetch(ctx context.Context, k tile.Key) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[k]++
	if k == s.fail {
		return nil, errors.New("boom")
	}
	return []byte("x"), nil
}

func TestPrefetchFetchesEveryKeyOnce(t *testing.T) {
	keys := coverKeys(orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}, 0, 3)
	src := &countingSource{seen: map[tile.Key]int{}, fail: keys[5]}
	ok, failed := prefetch(context.Background(), src, keys, 4)
	if ok != int64(len(keys)-1) || failed != 1 {
		t.Fatalf("ok %d failed %d", ok, failed)
	}
	for _, k := range keys {
		if src.seen[k] != 1 {
			t.Fatalf("%s fetched %d times", k, src.seen[k])
		}
	}
}

func TestReadCycles(t *testing.T) {
	dir := t.TempDir()
	l := plog.NewCycleLogger(dir)
	for i := 1; i <= 3; i++ {
		e := plog.CycleEntry{Frame: uint64(i * 10), Cycle: uint64(i), Tiles: 4 * i, Conflicts: 1, Splits: []string{"1"}}
		if i == 3 {
			e.SteadyState = true
		}
		if err := l.WriteCycle(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "cycles-*.jsonl.zst"))
	if len(files) == 0 {
		t.Fatalf("no cycle log in %s", dir)
	}
	var sum cycleSummary
	for _, f := range files {
		if err := readCycles(f, sum.add); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if sum.Cycles != 3 || sum.Splits != 3 || sum.Conflicts != 3 || sum.Steady != 1 || sum.MaxTiles != 12 || sum.LastFrame != 30 {
		t.Fatalf("summary %+v", sum)
	}
}

func TestCloseCachesCountsDrainedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.mbtiles")
	db, err := tiledb.Open(path, tiledb.Options{QueueSize: 512})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	const n = 300
	for i := 0; i < n; i++ {
		db.Put(9, i, 7, []byte("tile"))
	}

	written, dropped, err := closeCaches([]*tiledb.DB{db})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if written+dropped != n {
		t.Fatalf("written %d + dropped %d, want %d", written, dropped, n)
	}

	ro, err := tiledb.Open(path, tiledb.Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer ro.Close()
	counts, err := ro.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if uint64(counts[9]) != written {
		t.Fatalf("stored %d, reported written %d", counts[9], written)
	}
}
