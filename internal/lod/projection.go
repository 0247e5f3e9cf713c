package lod

import (
	"math"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/tile"
)

// sceneZoom is the zoom at which one tile spans SceneScale scene units.
const sceneZoom = 15

// earthScale converts metres to scene units at the equator for a scene
// scale of 1.
const earthScale = 0.0008176665341588574

// Projection places tiles in scene coordinates. Scene x grows east and
// scene y grows north, so tile rows map to negative y.
type Projection struct {
	SceneScale   float64
	GlobalOffset [2]float64
	// HeightScale converts metres of elevation to scene units for bounding
	// volumes; MinHeight/MaxHeight are the assumed terrain extremes.
	HeightScale float64
	MinHeight   float64
	MaxHeight   float64
}

func DefaultProjection() Projection {
	return Projection{SceneScale: 1, HeightScale: 1, MinHeight: -200, MaxHeight: 4000}
}

// TileScale is the scene width of one tile at zoom z.
func (p Projection) TileScale(z int) float64 {
	return math.Pow(2, float64(sceneZoom-z)) * p.SceneScale
}

// Offset is the scene position of the tile's north-west corner and its
// width.
func (p Projection) Offset(x, y, z int) (ox, oy, scale float64) {
	scale = p.TileScale(z)
	return float64(x)*scale + p.GlobalOffset[0], -float64(y)*scale + p.GlobalOffset[1], scale
}

// ToScene maps a lng/lat point onto the scene plane.
func (p Projection) ToScene(pt orb.Point) (x, y float64) {
	fx, fy := tile.PointFraction(pt, sceneZoom)
	return fx*p.SceneScale + p.GlobalOffset[0], -fy*p.SceneScale + p.GlobalOffset[1]
}

// TileFraction is the inverse of ToScene expressed as fractional tile
// coordinates at zoom z.
func (p Projection) TileFraction(x, y float64, z int) (fx, fy float64) {
	s := p.TileScale(z)
	return (x - p.GlobalOffset[0]) / s, (p.GlobalOffset[1] - y) / s
}

// MetresToScene is the factor turning an elevation at pt into scene
// units, accounting for Mercator stretch at pt's latitude.
func (p Projection) MetresToScene(pt orb.Point) float64 {
	_, fy := tile.PointFraction(pt, 10)
	n := math.Pi - 2*math.Pi*math.Floor(fy)/1024
	return math.Cosh(n) / (earthScale * p.SceneScale)
}
