// Package feedback runs the render → wait → read → process loop that tells
// the LOD controller which tile is visible where and how far its resolution
// is from one texel per pixel.
//
// The off-screen target holds, per pixel, the tile id in R and G, depth in
// B and the resolution error in A. Reading pixels right after rendering
// would stall the GPU, so once the tree has settled the stages are spread
// over several frames and the read is sliced.
package feedback

import (
	"io"
	"log"
	"math"
)

// Renderer draws the feedback target and reads it back.
type Renderer interface {
	// RenderFeedback draws into a width×height target and returns the
	// projection matrix (column-major) the frame was drawn with.
	RenderFeedback(width, height int) [16]float64
	// ReadPixels copies rows [y, y+h) of the target, RGBA, row 0 first.
	ReadPixels(x, y, w, h int, dst []byte)
}

type Config struct {
	Width      int
	Height     int
	WaitFrames int
	SkipFrames int
	Slices     int
}

func DefaultConfig() Config {
	return Config{WaitFrames: 4, SkipFrames: 1, Slices: 1}
}

// Sample is one decoded pixel. Node 0 means no tile was drawn there.
type Sample struct {
	Node  uint16
	Error float64
}

// Result is produced by the process stage.
type Result struct {
	Frame   uint64
	Samples []Sample
	// Distance from camera to the surface under the view centre.
	Distance   float64
	DistanceOK bool
}

// Stages says what a frame does.
type Stages struct {
	Render  bool
	Read    bool
	Slice   int
	Process bool
}

type Pipeline struct {
	cfg       Config
	r         Renderer
	logger    *log.Logger
	frame     uint64
	pipelined bool

	data []byte
	proj [16]float64
}

func New(cfg Config, r Renderer, logger *log.Logger) *Pipeline {
	if cfg.Width < 2 {
		cfg.Width = 2
	}
	if cfg.Height < 2 {
		cfg.Height = 2
	}
	if cfg.WaitFrames < 0 {
		cfg.WaitFrames = 0
	}
	if cfg.SkipFrames < 1 {
		cfg.SkipFrames = 1
	}
	if cfg.Slices < 1 {
		cfg.Slices = 1
	}
	if cfg.Slices > cfg.Height {
		cfg.Slices = cfg.Height
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pipeline{
		cfg:    cfg,
		r:      r,
		logger: logger,
		data:   make([]byte, 4*cfg.Width*cfg.Height),
	}
}

func (p *Pipeline) Config() Config { return p.cfg }

// Period is the number of frames in one pipelined cycle.
func (p *Pipeline) Period() int {
	return 1 + p.cfg.WaitFrames + p.cfg.SkipFrames*p.cfg.Slices + 1
}

// SetPipelined switches between the staggered schedule and doing every
// stage in every frame.
func (p *Pipeline) SetPipelined(on bool) {
	if on != p.pipelined {
		p.logger.Printf("feedback pipelined=%v at frame %d", on, p.frame)
	}
	p.pipelined = on
}

func (p *Pipeline) Pipelined() bool { return p.pipelined }

// Schedule returns the stages of frame.
func (p *Pipeline) Schedule(frame uint64) Stages {
	if !p.pipelined {
		return Stages{Render: true, Read: true, Slice: 0, Process: true}
	}
	n := int(frame % uint64(p.Period()))
	w, s := p.cfg.WaitFrames, p.cfg.SkipFrames
	st := Stages{
		Render:  n == 0,
		Process: n == p.Period()-1,
	}
	if n > w && n < 1+w+s*p.cfg.Slices && (n-1-w)%s == 0 {
		st.Read = true
		st.Slice = (n - 1 - w) / s
	}
	return st
}

// Advance runs this frame's stages. It returns a Result on process frames.
func (p *Pipeline) Advance() (Result, bool) {
	p.frame++
	st := p.Schedule(p.frame)

	if st.Render {
		p.proj = p.r.RenderFeedback(p.cfg.Width, p.cfg.Height)
	}
	if st.Read {
		slices := p.cfg.Slices
		if !p.pipelined {
			slices = 1
		}
		y0 := st.Slice * p.cfg.Height / slices
		y1 := (st.Slice + 1) * p.cfg.Height / slices
		row := 4 * p.cfg.Width
		p.r.ReadPixels(0, y0, p.cfg.Width, y1-y0, p.data[y0*row:y1*row])
	}
	if !st.Process {
		return Result{}, false
	}

	res := Result{Frame: p.frame, Samples: Decode(p.data)}
	res.Distance, res.DistanceOK = p.centreDistance()
	return res, true
}

// Decode turns RGBA feedback pixels into samples: id = 256·R + G and
// error = 10·A/255 − 5.
func Decode(data []byte) []Sample {
	out := make([]Sample, 0, len(data)/4)
	for i := 0; i+3 < len(data); i += 4 {
		out = append(out, Sample{
			Node:  uint16(data[i])<<8 | uint16(data[i+1]),
			Error: 10*float64(data[i+3])/255 - 5,
		})
	}
	return out
}

// centreDistance unprojects the packed depth of the centre pixel with the
// matrix captured at render time.
func (p *Pipeline) centreDistance() (float64, bool) {
	i := 4 * (p.cfg.Width/2 + p.cfg.Width*(p.cfg.Height/2))
	fragZ := (256*float64(p.data[i+2]) + float64(p.data[i+3])) / (256 * 255)
	den := 2*fragZ - 1 + p.proj[10]
	if den == 0 {
		return 0, false
	}
	d := p.proj[14] / den
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false
	}
	return d, true
}

// TargetSize scales a view down to about targetPixels pixels, keeping the
// aspect ratio and even dimensions.
func TargetSize(viewWidth, viewHeight, targetPixels int) (w, h int) {
	if targetPixels <= 0 {
		targetPixels = 500
	}
	if viewWidth < 1 || viewHeight < 1 {
		return 2, 2
	}
	down := math.Sqrt(float64(viewWidth*viewHeight) / float64(targetPixels))
	w = 2 * int(math.Round(0.5*float64(viewWidth)/down))
	h = 2 * int(math.Round(0.5*float64(viewHeight)/down))
	return max(w, 2), max(h, 2)
}
