// Package engine ties the streamers, the LOD controller and the feedback
// loop together and drives them from one goroutine at a fixed frame rate.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/feedback"
	"terrastream.ai/internal/feedback/headless"
	"terrastream.ai/internal/fetch"
	"terrastream.ai/internal/lod"
	plog "terrastream.ai/internal/persistence/log"
	"terrastream.ai/internal/persistence/tiledb"
	"terrastream.ai/internal/stream"
	"terrastream.ai/internal/stream/indirection"
	"terrastream.ai/internal/stream/pixelenc"
	"terrastream.ai/internal/stream/texarray"
	"terrastream.ai/internal/tuning"
	"terrastream.ai/internal/workqueue"
)

var (
	ErrStopped = errors.New("engine stopped")
	ErrRunning = errors.New("engine already running")
)

// Status is a snapshot published after every frame.
type Status struct {
	Frame     uint64         `json:"frame"`
	Cycle     uint64         `json:"cycle"`
	Tiles     int            `json:"tiles"`
	Nodes     int            `json:"nodes"`
	Pipelined bool           `json:"pipelined"`
	Distance  float64        `json:"distance"`
	Queue     int            `json:"queue"`
	Streamers []StreamStatus `json:"streamers"`
}

type StreamStatus struct {
	Kind   string       `json:"kind"`
	Stream stream.Stats `json:"stream"`
	Fetch  fetch.Stats  `json:"fetch"`
}

type Engine struct {
	cfg    tuning.Tuning
	logger *log.Logger
	proj   lod.Projection

	elevation *stream.Streamer
	imagery   *stream.Streamer
	loaders   []*fetch.Pool
	dbs       []*tiledb.DB

	ctrl     *lod.Controller
	renderer *headless.Renderer
	pipe     *feedback.Pipeline
	queue    *workqueue.Queue
	cycles   *plog.CycleLogger
	updates  []<-chan stream.Update

	frame      uint64
	distance   float64
	lastReport lod.CycleReport

	observers map[string]*observerClient

	observerJoin  chan ObserverJoinRequest
	observerSub   chan ObserverSubscribeRequest
	observerLeave chan string
	cameraReq     chan CameraRequest
	heightReq     chan heightRequest
	stop          chan struct{}
	stopOnce      sync.Once
	closeOnce     sync.Once

	runMu   sync.Mutex
	running bool
	closed  bool
	exited  chan struct{}

	status atomic.Pointer[Status]
}

// New builds an engine from t and starts the scene at t.Place. Close
// releases the fetch workers and tile databases.
func New(t tuning.Tuning, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	e := &Engine{
		cfg:    t,
		logger: logger,
		proj: lod.Projection{
			SceneScale:   t.Projection.SceneScale,
			GlobalOffset: t.Projection.GlobalOffset,
			HeightScale:  t.Projection.HeightScale,
			MinHeight:    t.Projection.MinHeight,
			MaxHeight:    t.Projection.MaxHeight,
		},
		observers:     map[string]*observerClient{},
		observerJoin:  make(chan ObserverJoinRequest, 16),
		observerSub:   make(chan ObserverSubscribeRequest, 64),
		observerLeave: make(chan string, 16),
		cameraReq:     make(chan CameraRequest, 16),
		heightReq:     make(chan heightRequest, 256),
		stop:          make(chan struct{}),
		exited:        make(chan struct{}),
	}

	var err error
	if e.elevation, err = e.newStreamer(stream.Elevation, t.Elevation); err != nil {
		e.Close()
		return nil, fmt.Errorf("elevation: %w", err)
	}
	if e.imagery, err = e.newStreamer(stream.Imagery, t.Imagery); err != nil {
		e.Close()
		return nil, fmt.Errorf("imagery: %w", err)
	}

	e.ctrl = lod.NewController(lod.Config{
		SplitError:        t.LOD.SplitError,
		CombineError:      t.LOD.CombineError,
		MinZoom:           t.LOD.MinZoom,
		MaxZoom:           t.LOD.MaxZoom,
		UnseenCycles:      t.LOD.UnseenCycles,
		SeenTapCycles:     t.LOD.SeenTapCycles,
		BaseZoom:          t.LOD.BaseZoom,
		ShiftFactor:       t.LOD.ShiftFactor,
		EagerFetchZoom:    t.LOD.EagerFetchZoom,
		CoarseFetchZoom:   t.LOD.CoarseFetchZoom,
		CoarseFetchLevels: t.LOD.CoarseFetchLevels,
		LowResDepth:       t.LOD.LowResDepth,
		MaxNodes:          t.LOD.MaxNodes,
	}, e.proj, e.elevation, e.imagery, prefixed(logger, "[lod] "))
	e.elevation.AddListener(e.ctrl.RefreshAll)
	e.imagery.AddListener(e.ctrl.RefreshAll)
	e.updates = []<-chan stream.Update{e.elevation.Subscribe(8), e.imagery.Subscribe(8)}

	place := orb.Point{t.Place.Lng, t.Place.Lat}
	cx, cy := e.proj.ToScene(place)
	e.renderer = headless.New(e.ctrl, headless.Camera{
		Center:      [2]float64{cx, cy},
		ViewSize:    t.Camera.ViewSize,
		ScreenWidth: t.Feedback.ViewWidth,
		Distance:    t.Camera.Distance,
	})
	w, h := feedback.TargetSize(t.Feedback.ViewWidth, t.Feedback.ViewHeight, t.Feedback.TargetPixels)
	e.pipe = feedback.New(feedback.Config{
		Width:      w,
		Height:     h,
		WaitFrames: t.Feedback.WaitFrames,
		SkipFrames: t.Feedback.SkipFrames,
		Slices:     t.Feedback.Slices,
	}, e.renderer, prefixed(logger, "[feedback] "))
	e.queue = workqueue.New(workqueue.Options{
		Budget:          time.Duration(t.WorkQueue.BudgetMs) * time.Millisecond,
		CompleteReserve: time.Duration(t.WorkQueue.CompleteReserveMs) * time.Millisecond,
	})
	if t.CycleLog.Dir != "" {
		e.cycles = plog.NewCycleLogger(t.CycleLog.Dir)
	}

	if err := e.ctrl.Reset(place); err != nil {
		e.Close()
		return nil, err
	}
	e.publishStatus()
	return e, nil
}

func (e *Engine) newStreamer(kind stream.Kind, spec tuning.Source) (*stream.Streamer, error) {
	src, dbs, err := BuildSource(spec)
	e.dbs = append(e.dbs, dbs...)
	if err != nil {
		return nil, err
	}
	logger := prefixed(e.logger, fmt.Sprintf("[stream:%s] ", kind))
	pool := fetch.NewPool(src, spec.Workers, spec.QueueSize, logger)
	e.loaders = append(e.loaders, pool)

	layout := texarray.NewLayout(spec.PoolSize, spec.TileSize, logger)
	cfg := stream.Config{
		Kind:          kind,
		PoolSize:      spec.PoolSize,
		MaxInFlight:   spec.MaxInFlight,
		ProbeAttempts: spec.ProbeAttempts,
		RefZoom:       e.cfg.Indirection.ReferenceZoom,
	}
	var (
		arr   texarray.Array
		table *indirection.Table
	)
	if kind == stream.Elevation {
		enc, err := pixelenc.ParseEncoding(spec.Encoding)
		if err != nil {
			return nil, err
		}
		cfg.Encoding = enc
		arr = texarray.NewHeights(layout, enc, nil)
		// Elevation keys never pass z10; imagery goes finer and is
		// addressed per tile instead.
		table = indirection.NewTable(e.cfg.Indirection.Size, e.cfg.Indirection.ReferenceZoom, nil)
	} else {
		arr = texarray.NewRGBA(layout, nil)
	}
	return stream.New(cfg, pool, arr, table, logger), nil
}

func prefixed(l *log.Logger, prefix string) *log.Logger {
	if l.Writer() == io.Discard {
		return l
	}
	return log.New(l.Writer(), prefix, l.Flags())
}

func (e *Engine) Config() tuning.Tuning        { return e.cfg }
func (e *Engine) Projection() lod.Projection   { return e.proj }
func (e *Engine) Elevation() *stream.Streamer  { return e.elevation }
func (e *Engine) Imagery() *stream.Streamer    { return e.imagery }
func (e *Engine) Controller() *lod.Controller  { return e.ctrl }
func (e *Engine) Renderer() *headless.Renderer { return e.renderer }
func (e *Engine) Pipeline() *feedback.Pipeline { return e.pipe }

// LastReport and Frame belong to the loop goroutine; other goroutines
// use Status.
func (e *Engine) LastReport() lod.CycleReport { return e.lastReport }
func (e *Engine) Frame() uint64               { return e.frame }

// Status returns the snapshot published by the last frame. Safe from any
// goroutine.
func (e *Engine) Status() Status {
	if s := e.status.Load(); s != nil {
		return *s
	}
	return Status{}
}

func (e *Engine) publishStatus() {
	s := &Status{
		Frame:     e.frame,
		Cycle:     e.lastReport.Cycle,
		Tiles:     len(e.ctrl.Tiles()),
		Nodes:     e.ctrl.Arena().Live(),
		Pipelined: e.ctrl.Pipelined(),
		Distance:  e.distance,
		Queue:     e.queue.Len(),
	}
	for i, st := range []*stream.Streamer{e.elevation, e.imagery} {
		s.Streamers = append(s.Streamers, StreamStatus{
			Kind:   st.Kind().String(),
			Stream: st.Stats(),
			Fetch:  e.loaders[i].Stats(),
		})
	}
	e.status.Store(s)
}

// Stop makes Run return. It does not release resources.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Close stops Run and waits for it to return, then abandons in-flight
// fetches, stops the fetch workers and flushes the tile caches and the
// cycle log. Run after Close returns ErrStopped.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.runMu.Lock()
		e.closed = true
		running := e.running
		e.runMu.Unlock()
		e.Stop()
		if running {
			<-e.exited
		}

		for _, s := range []*stream.Streamer{e.elevation, e.imagery} {
			if s != nil {
				s.Close()
			}
		}
		for _, p := range e.loaders {
			p.Close()
		}
		for _, db := range e.dbs {
			if err := db.Close(); err != nil {
				e.logger.Printf("close tile db: %v", err)
			}
		}
		if e.cycles != nil {
			if err := e.cycles.Close(); err != nil {
				e.logger.Printf("close cycle log: %v", err)
			}
		}
	})
}
