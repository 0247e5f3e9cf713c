package engine

import (
	"encoding/json"

	"terrastream.ai/internal/lod"
	"terrastream.ai/internal/observerproto"
	"terrastream.ai/internal/stream"
	"terrastream.ai/internal/tile"
)

// ObserverJoinRequest registers a read-only observer session. Messages
// are JSON encoded and sent on Out without blocking the loop.
type ObserverJoinRequest struct {
	SessionID string
	Out       chan []byte

	Tiles     bool
	MaxTiles  int
	Streamers bool
}

// ObserverSubscribeRequest updates an existing observer session.
type ObserverSubscribeRequest struct {
	SessionID string

	Tiles     bool
	MaxTiles  int
	Streamers bool
}

type observerClient struct {
	id  string
	out chan []byte
	cfg observerCfg
}

type observerCfg struct {
	tiles     bool
	maxTiles  int
	streamers bool
}

func (e *Engine) ObserverJoin() chan<- ObserverJoinRequest           { return e.observerJoin }
func (e *Engine) ObserverSubscribe() chan<- ObserverSubscribeRequest { return e.observerSub }
func (e *Engine) ObserverLeave() chan<- string                       { return e.observerLeave }

func (e *Engine) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	e.observers[req.SessionID] = &observerClient{
		id:  req.SessionID,
		out: req.Out,
		cfg: observerCfg{tiles: req.Tiles, maxTiles: req.MaxTiles, streamers: req.Streamers},
	}
}

func (e *Engine) handleObserverSubscribe(req ObserverSubscribeRequest) {
	c := e.observers[req.SessionID]
	if c == nil {
		return
	}
	c.cfg = observerCfg{tiles: req.Tiles, maxTiles: req.MaxTiles, streamers: req.Streamers}
}

func (e *Engine) handleObserverLeave(id string) {
	delete(e.observers, id)
}

// Bootstrap describes the running engine for observer clients. Safe from
// any goroutine.
func (e *Engine) Bootstrap() observerproto.BootstrapResponse {
	return observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		Frame:           e.Status().Frame,
		FrameRateHz:     e.cfg.FrameRateHz,
		Place:           [2]float64{e.cfg.Place.Lng, e.cfg.Place.Lat},
		BaseZoom:        e.cfg.LOD.BaseZoom,
		MaxZoom:         e.cfg.LOD.MaxZoom,
		Streamers: []observerproto.StreamInfo{
			{Kind: "elevation", PoolSize: e.cfg.Elevation.PoolSize, TileSize: e.cfg.Elevation.TileSize},
			{Kind: "imagery", PoolSize: e.cfg.Imagery.PoolSize, TileSize: e.cfg.Imagery.TileSize},
		},
	}
}

func (e *Engine) broadcastCycle(rep lod.CycleReport) {
	if len(e.observers) == 0 {
		return
	}
	msg := observerproto.CycleMsg{
		Type:            "CYCLE",
		ProtocolVersion: observerproto.Version,
		Frame:           e.frame,
		Cycle:           rep.Cycle,
		Seen:            rep.Seen,
		Conflicts:       rep.Conflicts,
		Splits:          keyStrings(rep.Splits),
		Merges:          keyStrings(rep.Merges),
		Shifted:         rep.Shifted,
		TileCount:       rep.Tiles,
		SteadyState:     rep.SteadyState,
		Pipelined:       e.ctrl.Pipelined(),
		Distance:        e.distance,
	}
	plain, err := json.Marshal(msg)
	if err != nil {
		e.logger.Printf("observer cycle: %v", err)
		return
	}

	var full []observerproto.TileState
	for _, c := range e.observers {
		if !c.cfg.tiles {
			sendLatest(c.out, plain)
			continue
		}
		if full == nil {
			full = e.tileStates()
		}
		m := msg
		m.Tiles = full
		if c.cfg.maxTiles > 0 && len(m.Tiles) > c.cfg.maxTiles {
			m.Tiles = m.Tiles[:c.cfg.maxTiles]
		}
		b, err := json.Marshal(m)
		if err != nil {
			continue
		}
		sendLatest(c.out, b)
	}
}

func (e *Engine) tileStates() []observerproto.TileState {
	arena := e.ctrl.Arena()
	out := make([]observerproto.TileState, 0, len(e.ctrl.Tiles()))
	for _, id := range e.ctrl.Tiles() {
		n := arena.Get(id)
		if n == nil {
			continue
		}
		out = append(out, observerproto.TileState{
			ID:         uint16(n.ID),
			X:          n.X,
			Y:          n.Y,
			Z:          n.Z,
			Imagery:    n.Imagery.String(),
			Downsample: n.BestImagery.Downsample,
			Seen:       n.WasSeen,
		})
	}
	return out
}

// drainUpdates forwards this frame's streamer broadcasts to observers
// that asked for them.
func (e *Engine) drainUpdates() {
	for i, ch := range e.updates {
	drain:
		for {
			select {
			case u, ok := <-ch:
				if !ok {
					break drain
				}
				e.sendStreamer(i, u)
			default:
				break drain
			}
		}
	}
}

func (e *Engine) sendStreamer(i int, u stream.Update) {
	if len(e.observers) == 0 {
		return
	}
	s := e.elevation
	if i == 1 {
		s = e.imagery
	}
	st := s.Stats()
	b, err := json.Marshal(observerproto.StreamerMsg{
		Type:            "STREAMER",
		ProtocolVersion: observerproto.Version,
		Frame:           e.frame,
		Kind:            u.Kind.String(),
		Landed:          keyStrings(u.Landed),
		Occupied:        st.Occupied,
		Capacity:        st.Capacity,
		InFlight:        st.InFlight,
		Throttled:       st.Throttled,
		Fallbacks:       st.Fallbacks,
	})
	if err != nil {
		return
	}
	for _, c := range e.observers {
		if c.cfg.streamers {
			sendLatest(c.out, b)
		}
	}
}

func keyStrings(keys []tile.Key) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// sendLatest never blocks: when ch is full the oldest message is dropped.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
