// Package tiledb stores raw tile blobs in an MBTiles-schema SQLite file.
// It serves both as an offline tile source and as a read-through cache in
// front of a network source.
package tiledb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("tiledb: tile not found")

type DB struct {
	db       *sql.DB
	readOnly bool

	ch   chan putReq
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

type putReq struct {
	z, x, y int
	data    []byte
}

type Options struct {
	// ReadOnly skips schema creation and rejects writes.
	ReadOnly bool
	// QueueSize bounds pending writes; extra Puts are dropped.
	QueueSize int
}

func Open(path string, opts Options) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db, opts.ReadOnly); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !opts.ReadOnly {
		if err := initSchema(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &DB{db: db, readOnly: opts.ReadOnly}
	if !opts.ReadOnly {
		s.ch = make(chan putReq, opts.QueueSize)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop()
		}()
	}
	return s, nil
}

func initPragmas(db *sql.DB, readOnly bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	if readOnly {
		pragmas = append(pragmas, "PRAGMA query_only=ON;")
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			name TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB,
			PRIMARY KEY (zoom_level, tile_column, tile_row)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// tmsRow flips an XYZ row into the MBTiles (TMS) row.
func tmsRow(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

// Get returns the blob for XYZ tile (x, y, z).
func (s *DB) Get(ctx context.Context, z, x, y int) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?`,
		z, x, tmsRow(z, y)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tiledb get %d/%d/%d: %w", z, x, y, err)
	}
	return data, nil
}

// Put queues a write. It never blocks; writes beyond the queue are dropped.
func (s *DB) Put(z, x, y int, data []byte) {
	if s == nil || s.readOnly || s.closed.Load() {
		return
	}
	select {
	case s.ch <- putReq{z: z, x: x, y: y, data: data}:
	default:
		s.dropped.Add(1)
	}
}

func (s *DB) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v.String
	}
	return out, rows.Err()
}

func (s *DB) SetMetadata(ctx context.Context, name, value string) error {
	if s.readOnly {
		return fmt.Errorf("tiledb: read-only")
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO metadata(name, value) VALUES(?, ?)`, name, value)
	return err
}

// Count returns the number of stored tiles per zoom level.
func (s *DB) Count(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT zoom_level, COUNT(*) FROM tiles GROUP BY zoom_level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]int{}
	for rows.Next() {
		var z, n int
		if err := rows.Scan(&z, &n); err != nil {
			return nil, err
		}
		out[z] = n
	}
	return out, rows.Err()
}

type Stats struct {
	Written uint64
	Dropped uint64
}

func (s *DB) Stats() Stats {
	return Stats{Written: s.written.Load(), Dropped: s.dropped.Load()}
}

// Close flushes queued writes and closes the file.
func (s *DB) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		if s.ch != nil {
			close(s.ch)
		}
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *DB) loop() {
	ctx := context.Background()
	const batchMax = 256

	for first := range s.ch {
		batch := []putReq{first}
	drain:
		for len(batch) < batchMax {
			select {
			case r, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, r)
			default:
				break drain
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.dropped.Add(uint64(len(batch)))
			continue
		}
		ok := true
		for _, r := range batch {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO tiles(zoom_level, tile_column, tile_row, tile_data) VALUES(?,?,?,?)`,
				r.z, r.x, tmsRow(r.z, r.y), r.data); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			_ = tx.Rollback()
			s.dropped.Add(uint64(len(batch)))
			continue
		}
		if err := tx.Commit(); err != nil {
			s.dropped.Add(uint64(len(batch)))
			continue
		}
		s.written.Add(uint64(len(batch)))
	}
}
