// Package lod maintains the quadtree of screen tiles and decides, from
// feedback samples, which tiles split, merge or shift.
package lod

import (
	"errors"
	"fmt"
	"math"

	"terrastream.ai/internal/stream"
	"terrastream.ai/internal/tile"
)

// NodeID names an arena slot. It is the slot index plus one so that 0 can
// mean "no tile" in feedback samples. IDs fit in 16 bits.
type NodeID uint16

// MaxNodes is the largest arena the 16-bit feedback id can address.
const MaxNodes = math.MaxUint16

var ErrArenaFull = errors.New("lod: node arena full")

const (
	// Elevation tiles are 512px against 256px imagery, so elevation is
	// always at least two levels coarser.
	elevationExponent = 2
	// Elevation is never requested deeper than this zoom.
	maxElevationZoom = 10
)

// Node is one screen tile. Its fields are rewritten in place by Split,
// Grow and Shift; Gen changes every time so holders of a stale copy can
// tell.
type Node struct {
	ID  NodeID
	Gen uint32

	X, Y, Z   int
	Imagery   tile.Key
	Elevation tile.Key

	// Best resident data, refreshed after every fetch and streamer update.
	ImageryIndex   int
	ElevationIndex int
	BestImagery    stream.Best
	// (x·2^-d − bx, y·2^-d − by, 2^-d, imagery slot) for a best imagery
	// tile d levels up at (bx, by).
	ImageryUV [4]float64

	// Offset is (x, y, width) of the tile in scene units plus the id.
	Offset         [4]float64
	Center         [3]float64
	Radius         float64
	Segments       int
	PickerSegments int

	WasSeen     bool
	WasRendered bool

	live bool
}

func (n *Node) Live() bool { return n.live }

func (n *Node) String() string {
	return fmt.Sprintf("node %d [%d,%d,%d]", n.ID, n.X, n.Y, n.Z)
}

func (n *Node) init(x, y, z int, proj Projection) {
	side := 1 << uint(z)
	n.X, n.Y, n.Z = x, y, z
	if n.X < 0 || n.X >= side {
		n.X = ((n.X % side) + side) % side
	}
	n.Y = min(max(n.Y, 0), side-1)
	n.Gen++
	n.live = true
	n.WasSeen = false
	n.WasRendered = false

	exp := max(elevationExponent, z-maxElevationZoom)
	n.Imagery = tile.FromTile(n.X, n.Y, z)
	if exp >= z {
		n.Elevation = tile.Root
	} else {
		n.Elevation = tile.FromTile(n.X>>uint(exp), n.Y>>uint(exp), z-exp)
	}

	segments := 1024 >> uint(min(exp, 10))
	n.Segments = min(64, max(1, segments))
	n.PickerSegments = max(1, n.Segments/8)

	ox, oy, scale := proj.Offset(n.X, n.Y, z)
	n.Offset = [4]float64{ox, oy, scale, float64(n.ID)}

	mid := 0.5 * (proj.MinHeight + proj.MaxHeight)
	n.Center = [3]float64{ox + 0.5*scale, oy - 0.5*scale, proj.HeightScale * mid}
	r := max(0.5*proj.HeightScale*(proj.MaxHeight-proj.MinHeight), 0.5*scale)
	n.Radius = r * math.Sqrt(3)

	n.ImageryIndex = -1
	n.ElevationIndex = -1
	n.BestImagery = stream.Best{Slot: -1, Downsample: stream.MaxBestSteps}
	n.ImageryUV = [4]float64{}
}

// Arena owns every node. Recycled nodes are reused oldest first.
type Arena struct {
	nodes []Node
	free  []int
	live  int
	limit int
	proj  Projection
}

func NewArena(proj Projection, limit int) *Arena {
	if limit <= 0 || limit > MaxNodes {
		limit = MaxNodes
	}
	return &Arena{proj: proj, limit: limit}
}

func (a *Arena) Projection() Projection { return a.proj }

// Live is the number of nodes in use.
func (a *Arena) Live() int { return a.live }

// Available is how many more nodes Next can hand out.
func (a *Arena) Available() int {
	return len(a.free) + a.limit - len(a.nodes)
}

// Next returns a node initialised at (x, y, z).
func (a *Arena) Next(x, y, z int) (NodeID, error) {
	var idx int
	switch {
	case len(a.free) > 0:
		idx = a.free[0]
		a.free = a.free[1:]
	case len(a.nodes) < a.limit:
		idx = len(a.nodes)
		a.nodes = append(a.nodes, Node{ID: NodeID(idx + 1)})
	default:
		return 0, ErrArenaFull
	}
	a.nodes[idx].init(x, y, z, a.proj)
	a.live++
	return a.nodes[idx].ID, nil
}

// Get returns the live node with id, or nil.
func (a *Arena) Get(id NodeID) *Node {
	i := int(id) - 1
	if i < 0 || i >= len(a.nodes) || !a.nodes[i].live {
		return nil
	}
	return &a.nodes[i]
}

// Split turns id into its first child and returns it together with three
// new siblings, in quadkey digit order.
func (a *Arena) Split(id NodeID) ([4]NodeID, error) {
	var out [4]NodeID
	n := a.Get(id)
	if n == nil {
		return out, fmt.Errorf("split: no live node %d", id)
	}
	if n.Z >= tile.MaxDepth {
		return out, fmt.Errorf("split: %s at max depth", n)
	}
	if a.Available() < 3 {
		return out, ErrArenaFull
	}
	x, y, z := n.X, n.Y, n.Z
	children := [4][2]int{{2 * x, 2 * y}, {2*x + 1, 2 * y}, {2 * x, 2*y + 1}, {2*x + 1, 2*y + 1}}
	n.init(children[0][0], children[0][1], z+1, a.proj)
	out[0] = id
	for i := 1; i < 4; i++ {
		cid, err := a.Next(children[i][0], children[i][1], z+1)
		if err != nil {
			return out, err
		}
		out[i] = cid
	}
	return out, nil
}

// Grow turns id into its parent.
func (a *Arena) Grow(id NodeID) error {
	n := a.Get(id)
	if n == nil {
		return fmt.Errorf("grow: no live node %d", id)
	}
	if n.Z == 0 {
		return fmt.Errorf("grow: %s is the root", n)
	}
	n.init(n.X>>1, n.Y>>1, n.Z-1, a.proj)
	return nil
}

// Shift moves id by (dx, dy) tiles measured at zoom z, keeping its own
// zoom. x wraps around the antimeridian, y is clamped to the map.
func (a *Arena) Shift(id NodeID, dx, dy, z int) error {
	n := a.Get(id)
	if n == nil {
		return fmt.Errorf("shift: no live node %d", id)
	}
	if z > n.Z {
		z = n.Z
	}
	f := 1 << uint(n.Z-z)
	n.init(n.X+dx*f, n.Y+dy*f, n.Z, a.proj)
	return nil
}

// Recycle returns id to the free list.
func (a *Arena) Recycle(id NodeID) {
	n := a.Get(id)
	if n == nil {
		return
	}
	n.live = false
	n.Gen++
	a.free = append(a.free, int(id)-1)
	a.live--
}
