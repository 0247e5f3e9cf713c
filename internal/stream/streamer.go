// Package stream keeps one kind of tile data (elevation or imagery) resident
// in a fixed pool of texture slots.
//
// A Streamer maps quadkeys to slots, starts throttled fetches for missing
// tiles, lands finished fetches into the texture array and the indirection
// table, and answers "best available data" queries by walking up the
// quadtree. It is driven from a single goroutine: fetches complete on
// loader goroutines but only become visible through Poll/Apply.
package stream

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"math"
	"slices"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/fetch"
	"terrastream.ai/internal/stream/indirection"
	"terrastream.ai/internal/stream/pixelenc"
	"terrastream.ai/internal/stream/slotpool"
	"terrastream.ai/internal/stream/texarray"
	"terrastream.ai/internal/tile"
)

type Kind int

const (
	Elevation Kind = iota
	Imagery
)

func (k Kind) String() string {
	if k == Imagery {
		return "imagery"
	}
	return "elevation"
}

const (
	DefaultMaxInFlight   = 32
	DefaultProbeAttempts = 32
	DefaultRefZoom       = 10

	// MaxBestSteps bounds the ancestor walk of FindBestAvailableData and is
	// the Downsample reported when nothing was found.
	MaxBestSteps = 20
)

type Config struct {
	Kind          Kind
	PoolSize      int
	MaxInFlight   int
	ProbeAttempts int
	// RefZoom is the zoom at which DataAtPoint resolves a point.
	RefZoom  int
	Encoding pixelenc.Encoding
}

func (c *Config) normalize() {
	if c.PoolSize <= 0 {
		c.PoolSize = 16
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = DefaultProbeAttempts
	}
	if c.RefZoom <= 0 {
		c.RefZoom = DefaultRefZoom
	}
}

// Best is the result of FindBestAvailableData. When OK is false Slot is -1
// and Downsample is MaxBestSteps.
type Best struct {
	Slot       int
	Downsample int
	Key        tile.Key
	OK         bool
}

type inflight struct {
	slot   int
	future *fetch.Future
	token  uint64
	landed bool
}

// Completion is a finished fetch collected by Poll and landed by Apply.
type Completion struct {
	Key   tile.Key
	Slot  int
	token uint64
	img   image.Image
	err   error
}

// Update is sent to subscribers once per BroadcastUpdate that had news.
type Update struct {
	Kind   Kind
	Landed []tile.Key
}

type Stats struct {
	Capacity  int
	Occupied  int
	InFlight  int
	Loaded    uint64
	Failures  uint64
	Throttled uint64
	Fallbacks uint64
	Stale     uint64
	// Probes counts slots drawn from the allocator while looking for one
	// to reuse.
	Probes uint64
}

type listener struct {
	id int
	fn func()
}

// Streamer is not safe for concurrent use.
type Streamer struct {
	cfg    Config
	loader fetch.Loader
	array  texarray.Array
	table  *indirection.Table
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pool     *slotpool.Pool
	lookup   map[tile.Key]int
	owner    map[int]tile.Key
	fetching map[tile.Key]*inflight
	claimed  map[int]tile.Key
	images   map[tile.Key]image.Image
	token    uint64

	updated     bool
	landedSince []tile.Key
	listeners   []listener
	nextID      int
	subs        []chan Update

	stats Stats
}

// New builds a streamer. table may be nil when no indirection texture is
// kept for this kind.
func New(cfg Config, loader fetch.Loader, array texarray.Array, table *indirection.Table, logger *log.Logger) *Streamer {
	cfg.normalize()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Streamer{
		cfg:      cfg,
		loader:   loader,
		array:    array,
		table:    table,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		pool:     slotpool.New(cfg.PoolSize),
		lookup:   map[tile.Key]int{},
		owner:    map[int]tile.Key{},
		fetching: map[tile.Key]*inflight{},
		claimed:  map[int]tile.Key{},
		images:   map[tile.Key]image.Image{},
	}
}

func (s *Streamer) Kind() Kind                  { return s.cfg.Kind }
func (s *Streamer) Table() *indirection.Table   { return s.table }
func (s *Streamer) Array() texarray.Array       { return s.array }
func (s *Streamer) Encoding() pixelenc.Encoding { return s.cfg.Encoding }

// Loaded returns the slot holding k, if resident.
func (s *Streamer) Loaded(k tile.Key) (int, bool) {
	slot, ok := s.lookup[k]
	return slot, ok
}

func (s *Streamer) Fetching(k tile.Key) bool {
	_, ok := s.fetching[k]
	return ok
}

// FetchIfNeeded starts loading k unless it is resident, already in flight
// or the in-flight limit is reached. It reports whether a fetch started.
func (s *Streamer) FetchIfNeeded(k tile.Key) bool {
	if _, ok := s.lookup[k]; ok {
		return false
	}
	if _, ok := s.fetching[k]; ok {
		return false
	}
	if len(s.fetching) >= s.cfg.MaxInFlight {
		s.stats.Throttled++
		s.logger.Printf("throttled %s: %d fetches in flight", k, len(s.fetching))
		return false
	}
	slot, ok := s.findNewIndex(k)
	if !ok {
		s.logger.Printf("no slot for %s: pool exhausted by in-flight fetches", k)
		return false
	}
	s.token++
	s.fetching[k] = &inflight{
		slot:   slot,
		future: s.loader.Load(s.ctx, k),
		token:  s.token,
	}
	s.claimed[slot] = k
	return true
}

// protects reports whether evicting occupant could remove fallback data
// for k: the occupant sits on k's ancestor chain, at or above k's
// parent level.
func protects(occupant, k tile.Key) bool {
	return k.HasPrefix(occupant.Parent())
}

func (s *Streamer) findNewIndex(k tile.Key) (int, bool) {
	for i := 0; i < s.cfg.ProbeAttempts; i++ {
		slot := s.pool.Next()
		s.stats.Probes++
		if _, busy := s.claimed[slot]; busy {
			continue
		}
		if occ, ok := s.owner[slot]; ok && protects(occ, k) {
			continue
		}
		s.evict(slot)
		return slot, true
	}

	// Every probe hit a protected or busy slot: give up the coarsest tile.
	s.stats.Fallbacks++
	var coarsest tile.Key
	found := false
	for key := range s.lookup {
		if !found || tile.ByDepth(key, coarsest) < 0 {
			coarsest, found = key, true
		}
	}
	if !found {
		return -1, false
	}
	slot := s.lookup[coarsest]
	s.logger.Printf("fallback eviction of %s (slot %d) for %s", coarsest, slot, k)
	s.evict(slot)
	s.pool.Tap(slot)
	return slot, true
}

func (s *Streamer) evict(slot int) {
	occ, ok := s.owner[slot]
	if !ok {
		return
	}
	delete(s.owner, slot)
	delete(s.lookup, occ)
	delete(s.images, occ)
}

// FindBestAvailableData walks from k towards the root and returns the
// first resident key. silent suppresses the miss log line.
func (s *Streamer) FindBestAvailableData(k tile.Key, silent bool) Best {
	cur := k
	for step := 0; step < MaxBestSteps; step++ {
		if slot, ok := s.lookup[cur]; ok {
			return Best{Slot: slot, Downsample: step, Key: cur, OK: true}
		}
		if cur.Depth() == 0 {
			break
		}
		cur = cur.Parent()
	}
	if !silent {
		s.logger.Printf("no %s data for %s", s.cfg.Kind, k)
	}
	return Best{Slot: -1, Downsample: MaxBestSteps}
}

// DataAtPoint samples the best resident tile covering p.
func (s *Streamer) DataAtPoint(p orb.Point) (color.RGBA, bool) {
	z := s.cfg.RefZoom
	fx, fy := tile.PointFraction(p, z)
	n := float64(uint64(1) << uint(z))
	if fx < 0 || fy < 0 || fx >= n || fy >= n || math.IsNaN(fx) || math.IsNaN(fy) {
		return color.RGBA{}, false
	}
	best := s.FindBestAvailableData(tile.FromTile(int(fx), int(fy), z), true)
	if !best.OK {
		return color.RGBA{}, false
	}
	img, ok := s.images[best.Key]
	if !ok {
		return color.RGBA{}, false
	}
	bx, by, bz := best.Key.Tile()
	scale := float64(uint64(1) << uint(z-bz))
	u := fx/scale - float64(bx)
	v := fy/scale - float64(by)

	b := img.Bounds()
	px := b.Min.X + clamp(int(u*float64(b.Dx())), 0, b.Dx()-1)
	py := b.Min.Y + clamp(int(v*float64(b.Dy())), 0, b.Dy()-1)
	return color.RGBAModel.Convert(img.At(px, py)).(color.RGBA), true
}

// HeightAt decodes the elevation at p with the configured encoding. It
// returns 0 and false when no data is resident.
func (s *Streamer) HeightAt(p orb.Point) (float64, bool) {
	c, ok := s.DataAtPoint(p)
	if !ok {
		return 0, false
	}
	h, ok := s.cfg.Encoding.Height(c.R, c.G, c.B)
	if !ok {
		return 0, true
	}
	return h, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tap keeps slot from being recycled soon.
func (s *Streamer) Tap(slot int) {
	if slot >= 0 {
		s.pool.Tap(slot)
	}
}

// Poll collects fetches that finished since the last call. Each one is
// returned once and must be passed to Apply.
func (s *Streamer) Poll() []Completion {
	var out []Completion
	for k, f := range s.fetching {
		if f.landed || !f.future.Ready() {
			continue
		}
		f.landed = true
		img, err := f.future.Result()
		out = append(out, Completion{Key: k, Slot: f.slot, token: f.token, img: img, err: err})
	}
	slices.SortFunc(out, func(a, b Completion) int {
		switch {
		case a.token < b.token:
			return -1
		case a.token > b.token:
			return 1
		}
		return 0
	})
	return out
}

// Apply lands a completion. Results whose fetch is no longer current are
// dropped without touching the pool.
func (s *Streamer) Apply(c Completion) {
	f, ok := s.fetching[c.Key]
	if !ok || f.token != c.token {
		s.stats.Stale++
		return
	}
	delete(s.fetching, c.Key)
	delete(s.claimed, f.slot)

	if c.err != nil {
		s.stats.Failures++
		s.logger.Printf("fetch %s failed: %v", c.Key, c.err)
		return
	}
	if err := s.array.Insert(f.slot, c.img); err != nil {
		s.stats.Failures++
		s.logger.Printf("insert %s into slot %d: %v", c.Key, f.slot, err)
		return
	}

	s.evict(f.slot)
	s.lookup[c.Key] = f.slot
	s.owner[f.slot] = c.Key
	s.images[c.Key] = c.img
	s.stats.Loaded++

	if s.table != nil {
		s.table.Update(s.lookup)
	}
	s.updated = true
	s.landedSince = append(s.landedSince, c.Key)
}

// Update polls and applies everything that is ready.
func (s *Streamer) Update() int {
	cs := s.Poll()
	for _, c := range cs {
		s.Apply(c)
	}
	return len(cs)
}

// AddListener registers fn to run on BroadcastUpdate and returns its id.
func (s *Streamer) AddListener(fn func()) int {
	s.nextID++
	s.listeners = append(s.listeners, listener{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *Streamer) RemoveListener(id int) {
	s.listeners = slices.DeleteFunc(s.listeners, func(l listener) bool { return l.id == id })
}

// Subscribe returns a channel receiving one Update per broadcast. A full
// channel misses that update.
func (s *Streamer) Subscribe(buf int) <-chan Update {
	ch := make(chan Update, max(buf, 1))
	s.subs = append(s.subs, ch)
	return ch
}

// BroadcastUpdate notifies listeners and subscribers if anything landed
// since the previous call. Call it once per frame.
func (s *Streamer) BroadcastUpdate() bool {
	if !s.updated {
		return false
	}
	s.updated = false
	landed := s.landedSince
	s.landedSince = nil

	for _, l := range slices.Clone(s.listeners) {
		l.fn()
	}
	for _, ch := range s.subs {
		select {
		case ch <- Update{Kind: s.cfg.Kind, Landed: landed}:
		default:
		}
	}
	return true
}

func (s *Streamer) Stats() Stats {
	st := s.stats
	st.Capacity = s.pool.Capacity()
	st.Occupied = len(s.lookup)
	st.InFlight = len(s.fetching)
	return st
}

// Close abandons in-flight fetches and closes subscriber channels.
func (s *Streamer) Close() {
	s.cancel()
	for k, f := range s.fetching {
		f.future.Cancel()
		delete(s.claimed, f.slot)
		delete(s.fetching, k)
	}
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (s *Streamer) String() string {
	return fmt.Sprintf("%s streamer: %d/%d resident, %d in flight", s.cfg.Kind, len(s.lookup), s.pool.Capacity(), len(s.fetching))
}
