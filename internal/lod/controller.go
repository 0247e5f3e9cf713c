package lod

import (
	"io"
	"log"
	"math"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/feedback"
	"terrastream.ai/internal/stream"
	"terrastream.ai/internal/tile"
)

// DataSource is the part of a streamer the controller drives.
type DataSource interface {
	FetchIfNeeded(k tile.Key) bool
	FindBestAvailableData(k tile.Key, silent bool) stream.Best
	Tap(slot int)
}

type Config struct {
	SplitError   float64
	CombineError float64
	MinZoom      int
	MaxZoom      int
	// UnseenCycles is how many cycles a tile may go unseen before it is a
	// merge candidate.
	UnseenCycles int
	// SeenTapCycles keeps a tile's slots alive while it was seen this
	// recently.
	SeenTapCycles int
	BaseZoom      int
	ShiftFactor   float64
	// Below EagerFetchZoom tiles fetch their own data before being seen.
	EagerFetchZoom int
	// Rendered but unseen tiles deeper than CoarseFetchZoom fetch imagery
	// CoarseFetchLevels up.
	CoarseFetchZoom   int
	CoarseFetchLevels int
	// Tiles never rendered fetch keys truncated to LowResDepth.
	LowResDepth int
	MaxNodes    int
}

func DefaultConfig() Config {
	return Config{
		SplitError:        -1.5,
		CombineError:      0,
		MinZoom:           7,
		MaxZoom:           18,
		UnseenCycles:      5,
		SeenTapCycles:     10,
		BaseZoom:          5,
		ShiftFactor:       0.6,
		EagerFetchZoom:    8,
		CoarseFetchZoom:   10,
		CoarseFetchLevels: 2,
		LowResDepth:       5,
		MaxNodes:          4096,
	}
}

// CycleReport summarises one Process call.
type CycleReport struct {
	Cycle     uint64
	Samples   int
	Missed    int
	Unknown   int
	Seen      int
	Conflicts int
	Splits    []tile.Key
	Merges    []tile.Key
	Shifted   int
	Refetched int
	Tapped    int
	Tiles     int
	// SteadyState is set when the cycle split nothing.
	SteadyState  bool
	SplitSkipped int
}

// Controller is not safe for concurrent use.
type Controller struct {
	cfg       Config
	arena     *Arena
	elevation DataSource
	imagery   DataSource
	logger    *log.Logger

	tiles           []NodeID
	framesSinceSeen map[tile.Key]int
	shiftThreshold  float64
	pipelined       bool
	cycle           uint64
}

func NewController(cfg Config, proj Projection, elevation, imagery DataSource, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		cfg:             cfg,
		arena:           NewArena(proj, cfg.MaxNodes),
		elevation:       elevation,
		imagery:         imagery,
		logger:          logger,
		framesSinceSeen: map[tile.Key]int{},
		shiftThreshold:  math.Inf(1),
	}
}

func (c *Controller) Arena() *Arena { return c.arena }

// Tiles returns the live tiles in draw order. The slice is shared.
func (c *Controller) Tiles() []NodeID { return c.tiles }

// Pipelined reports whether the tree has settled enough for the staggered
// feedback schedule.
func (c *Controller) Pipelined() bool { return c.pipelined }

// Reset recycles every tile and starts over with the base tile around
// place, split once, and all four children fetching.
func (c *Controller) Reset(place orb.Point) error {
	for _, id := range c.tiles {
		c.arena.Recycle(id)
	}
	c.tiles = c.tiles[:0]
	clear(c.framesSinceSeen)
	c.pipelined = false

	proj := c.arena.Projection()
	c.shiftThreshold = c.cfg.ShiftFactor * proj.TileScale(c.cfg.BaseZoom)

	fx, fy := tile.PointFraction(place, c.cfg.BaseZoom)
	id, err := c.arena.Next(int(math.Floor(fx)), int(math.Floor(fy)), c.cfg.BaseZoom)
	if err != nil {
		return err
	}
	children, err := c.arena.Split(id)
	if err != nil {
		return err
	}
	c.tiles = append(c.tiles, children[:]...)
	for _, id := range c.tiles {
		c.fetchData(c.arena.Get(id))
	}
	return nil
}

// Process applies one decoded feedback batch. target is the camera target
// in scene coordinates.
func (c *Controller) Process(samples []feedback.Sample, target [2]float64) CycleReport {
	c.cycle++
	rep := CycleReport{Cycle: c.cycle, Samples: len(samples)}

	var split, combine, seen orderedSet
	for _, s := range samples {
		if s.Node == 0 {
			rep.Missed++
			continue
		}
		n := c.arena.Get(NodeID(s.Node))
		if n == nil {
			// Recycled between render and read.
			rep.Unknown++
			continue
		}
		id := n.ID
		switch {
		case s.Error < c.cfg.SplitError && n.Z < c.cfg.MaxZoom:
			split.add(id)
			seen.add(id)
		case s.Error > c.cfg.CombineError && n.Z > c.cfg.MinZoom:
			combine.add(id)
		default:
			seen.add(id)
		}
	}

	for _, id := range c.tiles {
		n := c.arena.Get(id)
		if seen.has(id) {
			c.framesSinceSeen[n.Imagery] = 0
			continue
		}
		frames := c.framesSinceSeen[n.Imagery]
		c.framesSinceSeen[n.Imagery] = frames + 1
		if frames > c.cfg.UnseenCycles {
			combine.add(id)
		}
	}

	// A tile flagged both ways does neither. Seen tiles are not merged
	// either, they would split straight back.
	var common orderedSet
	for _, id := range combine.order {
		if split.has(id) {
			common.add(id)
		}
	}
	rep.Conflicts = len(common.order)
	combine = combine.filter(func(id NodeID) bool { return !common.has(id) && !seen.has(id) })
	split = split.filter(func(id NodeID) bool { return !common.has(id) })

	for _, id := range seen.order {
		if !split.has(id) {
			c.arena.Get(id).WasSeen = true
		}
	}
	for _, id := range c.tiles {
		if !split.has(id) {
			c.arena.Get(id).WasRendered = true
		}
	}
	rep.Seen = len(seen.order)

	groups := map[tile.Key][]NodeID{}
	var parents []tile.Key
	for _, id := range combine.order {
		p := c.arena.Get(id).Imagery.Parent()
		if _, ok := groups[p]; !ok {
			parents = append(parents, p)
		}
		groups[p] = append(groups[p], id)
	}

	for _, id := range split.order {
		key := c.arena.Get(id).Imagery
		children, err := c.arena.Split(id)
		if err != nil {
			rep.SplitSkipped++
			c.logger.Printf("split %s skipped: %v", key, err)
			continue
		}
		delete(c.framesSinceSeen, key)
		for _, cid := range children {
			c.fetchData(c.arena.Get(cid))
		}
		c.tiles = append(c.tiles, children[1:]...)
		rep.Splits = append(rep.Splits, key)
	}
	if len(split.order) == 0 {
		c.pipelined = true
		rep.SteadyState = true
	}

	for _, p := range parents {
		group := groups[p]
		if len(group) != 4 {
			continue
		}
		first := c.arena.Get(group[0])
		delete(c.framesSinceSeen, first.Imagery)
		if err := c.arena.Grow(group[0]); err != nil {
			c.logger.Printf("merge into %s: %v", p, err)
			continue
		}
		c.fetchData(first)
		for _, id := range group[1:] {
			delete(c.framesSinceSeen, c.arena.Get(id).Imagery)
			c.removeTile(id)
			c.arena.Recycle(id)
		}
		rep.Merges = append(rep.Merges, p)
	}

	for _, id := range c.tiles {
		n := c.arena.Get(id)
		dX := n.Center[0] - target[0]
		dY := n.Center[1] - target[1]
		dx, dy := 0, 0
		if math.Abs(dX) > c.shiftThreshold {
			dx = -sign(dX)
		}
		if math.Abs(dY) > c.shiftThreshold {
			dy = sign(dY)
		}
		if dx == 0 && dy == 0 {
			continue
		}
		if err := c.arena.Shift(id, dx, dy, c.cfg.BaseZoom); err != nil {
			c.logger.Printf("shift: %v", err)
			continue
		}
		c.fetchData(n)
		rep.Shifted++
	}

	for _, id := range c.tiles {
		n := c.arena.Get(id)
		if n.BestImagery.Downsample > 0 {
			c.fetchData(n)
			rep.Refetched++
		}
	}

	for _, id := range c.tiles {
		n := c.arena.Get(id)
		if c.framesSinceSeen[n.Imagery] < c.cfg.SeenTapCycles {
			c.elevation.Tap(n.ElevationIndex)
			c.imagery.Tap(n.ImageryIndex)
			rep.Tapped++
		}
	}

	rep.Tiles = len(c.tiles)
	return rep
}

// RefreshAll re-resolves every tile's best data. Call it after a streamer
// broadcast.
func (c *Controller) RefreshAll() {
	for _, id := range c.tiles {
		c.refreshIndices(c.arena.Get(id))
	}
}

// fetchData requests what n should display now. Only tiles that have been
// seen, or are coarse, fetch their own data; tiles merely in the scene get
// coarser imagery, and the rest get very low-res data so something is
// always drawable.
func (c *Controller) fetchData(n *Node) {
	switch {
	case n.WasSeen || n.Z < c.cfg.EagerFetchZoom:
		c.elevation.FetchIfNeeded(n.Elevation)
		c.imagery.FetchIfNeeded(n.Imagery)
	case n.WasRendered && n.Z > c.cfg.CoarseFetchZoom:
		c.imagery.FetchIfNeeded(n.Imagery.Truncate(n.Imagery.Depth() - c.cfg.CoarseFetchLevels))
	default:
		c.imagery.FetchIfNeeded(n.Imagery.Truncate(c.cfg.LowResDepth))
		c.elevation.FetchIfNeeded(n.Elevation.Truncate(c.cfg.LowResDepth))
	}
	c.refreshIndices(n)
}

func (c *Controller) refreshIndices(n *Node) {
	n.ElevationIndex = c.elevation.FindBestAvailableData(n.Imagery, true).Slot
	best := c.imagery.FindBestAvailableData(n.Imagery, true)
	n.BestImagery = best
	n.ImageryIndex = best.Slot

	downsample := 0
	bx, by := n.X, n.Y
	if best.OK {
		downsample = n.Z - best.Key.Depth()
		bx, by, _ = best.Key.Tile()
	}
	scale := math.Ldexp(1, -downsample)
	n.ImageryUV = [4]float64{
		float64(n.X)*scale - float64(bx),
		float64(n.Y)*scale - float64(by),
		scale,
		float64(n.ImageryIndex),
	}
}

func (c *Controller) removeTile(id NodeID) {
	for i, t := range c.tiles {
		if t == id {
			c.tiles = append(c.tiles[:i], c.tiles[i+1:]...)
			return
		}
	}
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// orderedSet keeps insertion order so cycles are deterministic.
type orderedSet struct {
	order []NodeID
	m     map[NodeID]bool
}

func (s *orderedSet) add(id NodeID) {
	if s.m == nil {
		s.m = map[NodeID]bool{}
	}
	if s.m[id] {
		return
	}
	s.m[id] = true
	s.order = append(s.order, id)
}

func (s *orderedSet) has(id NodeID) bool { return s.m[id] }

func (s orderedSet) filter(keep func(NodeID) bool) orderedSet {
	var out orderedSet
	for _, id := range s.order {
		if keep(id) {
			out.add(id)
		}
	}
	return out
}
