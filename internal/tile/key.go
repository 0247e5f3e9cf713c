package tile

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxDepth is the deepest zoom a Key can address.
const MaxDepth = 29

const depthBits = 6

// Key is a bit-packed quadkey: the interleaved x/y path (two bits per
// level, first level most significant) shifted above a 6-bit depth.
// The zero Key is the root tile (0,0,0).
//
// Prefix semantics of the string form are preserved: k.Parent() drops the
// last digit and a.IsAncestorOf(b) holds iff a's string is a strict prefix
// of b's.
type Key uint64

// Root is the z=0 tile.
const Root Key = 0

func pack(path uint64, depth int) Key {
	return Key(path<<depthBits | uint64(depth))
}

// FromTile returns the key of tile (x, y, z). Coordinates outside the
// zoom's range are masked.
func FromTile(x, y, z int) Key {
	if z < 0 {
		z = 0
	}
	if z > MaxDepth {
		z = MaxDepth
	}
	mask := uint32(1)<<uint(z) - 1
	t := maptile.New(uint32(x)&mask, uint32(y)&mask, maptile.Zoom(z))
	return pack(t.Quadkey(), z)
}

// FromMapTile converts an orb maptile.
func FromMapTile(t maptile.Tile) Key {
	return FromTile(int(t.X), int(t.Y), int(t.Z))
}

// Parse reads a quadkey string of digits 0-3. The empty string is Root.
func Parse(s string) (Key, error) {
	if len(s) > MaxDepth {
		return 0, fmt.Errorf("quadkey %q: deeper than %d", s, MaxDepth)
	}
	var path uint64
	for i := 0; i < len(s); i++ {
		d := s[i] - '0'
		if d > 3 {
			return 0, fmt.Errorf("quadkey %q: bad digit %q", s, s[i])
		}
		path = path<<2 | uint64(d)
	}
	return pack(path, len(s)), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) Depth() int   { return int(uint64(k) & (1<<depthBits - 1)) }
func (k Key) path() uint64 { return uint64(k) >> depthBits }

func (k Key) String() string {
	d := k.Depth()
	if d == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(d)
	p := k.path()
	for i := d - 1; i >= 0; i-- {
		b.WriteByte('0' + byte((p>>(2*uint(i)))&3))
	}
	return b.String()
}

// Parent drops the last digit. The root is its own parent.
func (k Key) Parent() Key {
	d := k.Depth()
	if d == 0 {
		return k
	}
	return pack(k.path()>>2, d-1)
}

// Child appends digit q (0-3).
func (k Key) Child(q int) Key {
	return pack(k.path()<<2|uint64(q&3), k.Depth()+1)
}

// Children returns the four keys k+"0" .. k+"3".
func (k Key) Children() [4]Key {
	return [4]Key{k.Child(0), k.Child(1), k.Child(2), k.Child(3)}
}

// Truncate keeps the first n digits, like slicing the string form.
func (k Key) Truncate(n int) Key {
	d := k.Depth()
	if n >= d {
		return k
	}
	if n < 0 {
		n = 0
	}
	return pack(k.path()>>(2*uint(d-n)), n)
}

// IsAncestorOf reports whether k is a strict prefix of o.
func (k Key) IsAncestorOf(o Key) bool {
	d, od := k.Depth(), o.Depth()
	if d >= od {
		return false
	}
	return o.Truncate(d) == k
}

// HasPrefix reports whether p is a prefix of k (including k itself).
func (k Key) HasPrefix(p Key) bool {
	return p == k || p.IsAncestorOf(k)
}

// Tile returns (x, y, z).
func (k Key) Tile() (x, y, z int) {
	t := k.MapTile()
	return int(t.X), int(t.Y), int(t.Z)
}

func (k Key) MapTile() maptile.Tile {
	return maptile.FromQuadkey(k.path(), maptile.Zoom(k.Depth()))
}

// Bound is the lng/lat bounds of the tile.
func (k Key) Bound() orb.Bound {
	return k.MapTile().Bound()
}

// PointFraction returns the fractional tile coordinates of a lng/lat point
// at zoom z.
func PointFraction(p orb.Point, z int) (fx, fy float64) {
	f := maptile.Fraction(p, maptile.Zoom(z))
	return f[0], f[1]
}

// ByDepth orders keys coarse to fine, ties by path.
func ByDepth(a, b Key) int {
	if da, db := a.Depth(), b.Depth(); da != db {
		return da - db
	}
	switch {
	case a.path() < b.path():
		return -1
	case a.path() > b.path():
		return 1
	}
	return 0
}
