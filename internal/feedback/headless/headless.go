// Package headless draws the feedback target on the CPU for a top-down
// orthographic camera, so the LOD loop can run without a GPU.
package headless

import (
	"math"
	"sync"

	"terrastream.ai/internal/lod"
)

// ImageryTileSize is the texel width of one imagery tile.
const ImageryTileSize = 256

// depthByte is the constant high depth byte every drawn pixel carries.
const depthByte = 128

// Scene is what the renderer draws.
type Scene interface {
	Arena() *lod.Arena
	Tiles() []lod.NodeID
}

// Camera looks straight down at Center from Distance, covering ViewSize
// scene units across the screen width.
type Camera struct {
	Center      [2]float64
	ViewSize    float64
	ScreenWidth int
	Distance    float64
}

type Renderer struct {
	scene Scene

	mu  sync.Mutex
	cam Camera
	w   int
	h   int
	pix []byte
}

func New(scene Scene, cam Camera) *Renderer {
	return &Renderer{scene: scene, cam: cam}
}

// SetCamera may be called from another goroutine than the render loop.
func (r *Renderer) SetCamera(c Camera) {
	r.mu.Lock()
	r.cam = c
	r.mu.Unlock()
}

func (r *Renderer) Camera() Camera {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cam
}

// RenderFeedback rasterises the live tiles. Finer tiles win where tiles
// overlap, like a depth test would.
func (r *Renderer) RenderFeedback(width, height int) [16]float64 {
	cam := r.Camera()
	if len(r.pix) != 4*width*height {
		r.pix = make([]byte, 4*width*height)
	}
	r.w, r.h = width, height
	clear(r.pix)

	arena := r.scene.Arena()
	var nodes []*lod.Node
	for _, id := range r.scene.Tiles() {
		if n := arena.Get(id); n != nil {
			nodes = append(nodes, n)
		}
	}

	unit := cam.ViewSize / float64(width)
	pixelsPerUnit := float64(cam.ScreenWidth) / cam.ViewSize

	for py := 0; py < height; py++ {
		// Row 0 is the bottom of the view.
		y := cam.Center[1] + (float64(py)+0.5-0.5*float64(height))*unit
		for px := 0; px < width; px++ {
			x := cam.Center[0] + (float64(px)+0.5-0.5*float64(width))*unit
			n := pick(nodes, x, y)
			if n == nil {
				continue
			}
			texelsPerUnit := ImageryTileSize / n.Offset[2]
			e := math.Log2(texelsPerUnit / pixelsPerUnit)
			i := 4 * (px + width*py)
			r.pix[i] = byte(n.ID >> 8)
			r.pix[i+1] = byte(n.ID)
			r.pix[i+2] = depthByte
			r.pix[i+3] = encodeError(e)
		}
	}

	// Choose the matrix so the centre pixel's packed depth unprojects to
	// the camera distance.
	var proj [16]float64
	proj[10] = 1
	c := 4 * (width/2 + width*(height/2))
	fragZ := (256*float64(r.pix[c+2]) + float64(r.pix[c+3])) / (256 * 255)
	proj[14] = cam.Distance * 2 * fragZ
	return proj
}

func (r *Renderer) ReadPixels(x, y, w, h int, dst []byte) {
	row := 4 * r.w
	for j := 0; j < h; j++ {
		src := r.pix[(y+j)*row+4*x : (y+j)*row+4*(x+w)]
		copy(dst[j*4*w:], src)
	}
}

func pick(nodes []*lod.Node, x, y float64) *lod.Node {
	var best *lod.Node
	for _, n := range nodes {
		ox, oy, s := n.Offset[0], n.Offset[1], n.Offset[2]
		if x < ox || x >= ox+s || y > oy || y <= oy-s {
			continue
		}
		if best == nil || n.Z > best.Z {
			best = n
		}
	}
	return best
}

func encodeError(e float64) byte {
	v := math.Round((e + 5) / 10 * 255)
	return byte(min(max(v, 0), 255))
}
