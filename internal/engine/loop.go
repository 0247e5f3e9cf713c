package engine

import (
	"context"
	"time"

	"github.com/paulmach/orb"

	"terrastream.ai/internal/feedback"
	plog "terrastream.ai/internal/persistence/log"
	"terrastream.ai/internal/stream"
	"terrastream.ai/internal/workqueue"
)

// CameraRequest moves the headless camera. With Reset the scene starts
// over around Place; otherwise tiles shift to follow. Zero ViewSize or
// Distance keeps the current value.
type CameraRequest struct {
	Place    orb.Point
	ViewSize float64
	Distance float64
	Reset    bool
}

// Run steps the engine at the configured frame rate until ctx is done or
// Stop is called. Requests from other goroutines are applied between
// frames. An engine runs at most once.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	switch {
	case e.closed:
		e.runMu.Unlock()
		return ErrStopped
	case e.running:
		e.runMu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.runMu.Unlock()
	defer close(e.exited)

	interval := time.Second / time.Duration(e.cfg.FrameRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case req := <-e.observerJoin:
			e.handleObserverJoin(req)
		case req := <-e.observerSub:
			e.handleObserverSubscribe(req)
		case id := <-e.observerLeave:
			e.handleObserverLeave(id)
		case req := <-e.cameraReq:
			e.handleCamera(req)
		case req := <-e.heightReq:
			e.handleHeight(req)
		case <-ticker.C:
			e.Step()
		}
	}
}

// Step advances one frame: land finished fetches within the work budget,
// run the feedback stages due this frame, feed a processed batch to the
// controller, then broadcast streamer updates once.
func (e *Engine) Step() {
	e.frame++

	for _, s := range []*stream.Streamer{e.elevation, e.imagery} {
		if cs := s.Poll(); len(cs) > 0 {
			workqueue.Each(e.queue, cs, s.Apply, nil, false)
		}
	}
	e.queue.Step()

	if res, ok := e.pipe.Advance(); ok {
		e.processCycle(res)
	}

	e.elevation.BroadcastUpdate()
	e.imagery.BroadcastUpdate()
	e.drainUpdates()
	e.publishStatus()
}

func (e *Engine) processCycle(res feedback.Result) {
	cam := e.renderer.Camera()
	rep := e.ctrl.Process(res.Samples, cam.Center)
	e.pipe.SetPipelined(e.ctrl.Pipelined())
	if res.DistanceOK {
		e.distance = res.Distance
	}
	e.lastReport = rep

	if e.cycles != nil {
		entry := plog.CycleEntry{
			Time:        time.Now().UTC(),
			Frame:       e.frame,
			Cycle:       rep.Cycle,
			Samples:     rep.Samples,
			Missed:      rep.Missed,
			Unknown:     rep.Unknown,
			Seen:        rep.Seen,
			Conflicts:   rep.Conflicts,
			Splits:      keyStrings(rep.Splits),
			Merges:      keyStrings(rep.Merges),
			Shifted:     rep.Shifted,
			Refetched:   rep.Refetched,
			Tiles:       rep.Tiles,
			SteadyState: rep.SteadyState,
			Distance:    e.distance,
		}
		for _, s := range []*stream.Streamer{e.elevation, e.imagery} {
			st := s.Stats()
			entry.Streamers = append(entry.Streamers, plog.StreamerEntry{
				Kind:      s.Kind().String(),
				Occupied:  st.Occupied,
				Capacity:  st.Capacity,
				InFlight:  st.InFlight,
				Loaded:    st.Loaded,
				Failures:  st.Failures,
				Throttled: st.Throttled,
				Fallbacks: st.Fallbacks,
			})
		}
		if err := e.cycles.WriteCycle(entry); err != nil {
			e.logger.Printf("cycle log: %v", err)
		}
	}
	e.broadcastCycle(rep)
}

func (e *Engine) handleCamera(req CameraRequest) {
	cam := e.renderer.Camera()
	x, y := e.proj.ToScene(req.Place)
	cam.Center = [2]float64{x, y}
	if req.ViewSize > 0 {
		cam.ViewSize = req.ViewSize
	}
	if req.Distance > 0 {
		cam.Distance = req.Distance
	}
	e.renderer.SetCamera(cam)
	if !req.Reset {
		return
	}
	if err := e.ctrl.Reset(req.Place); err != nil {
		e.logger.Printf("reset at %v: %v", req.Place, err)
		return
	}
	e.pipe.SetPipelined(false)
}

// MoveCamera queues a camera change for the loop goroutine.
func (e *Engine) MoveCamera(ctx context.Context, req CameraRequest) error {
	select {
	case e.cameraReq <- req:
		return nil
	case <-e.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
