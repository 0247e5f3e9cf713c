package tiledb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestPutGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.mbtiles")
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Put(3, 2, 1, []byte("tile-3-2-1"))
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := Open(path, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	got, err := ro.Get(context.Background(), 3, 2, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "tile-3-2-1" {
		t.Fatalf("Get: %q", got)
	}
	if _, err := ro.Get(context.Background(), 3, 2, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	counts, err := ro.Count(context.Background())
	if err != nil || counts[3] != 1 {
		t.Fatalf("Count: %v %v", counts, err)
	}
}

func TestRowsAreStoredInTMSOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tms.mbtiles")
	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Put(2, 1, 0, []byte("top"))
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer raw.Close()
	var row int
	if err := raw.QueryRow(`SELECT tile_row FROM tiles WHERE zoom_level=2 AND tile_column=1`).Scan(&row); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if row != 3 {
		t.Fatalf("tile_row: got %d want 3", row)
	}
}

func TestMetadata(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "m.mbtiles"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.SetMetadata(ctx, "format", "png"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	md, err := db.Metadata(ctx)
	if err != nil || md["format"] != "png" {
		t.Fatalf("Metadata: %v %v", md, err)
	}
}

func TestReadOnlyRejectsMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mbtiles"), Options{ReadOnly: true}); err == nil {
		t.Fatalf("expected error")
	}
}
