package engine

import (
	"context"
	"errors"

	"github.com/paulmach/orb"
)

var ErrBusy = errors.New("engine busy")

// Height is the terrain height at a point. Scene is Metres converted to
// scene units at the point's latitude. OK is false when no elevation
// covering the point is resident; the heights are then 0.
type Height struct {
	Metres float64 `json:"metres"`
	Scene  float64 `json:"scene"`
	OK     bool    `json:"ok"`
}

type heightRequest struct {
	p    orb.Point
	resp chan Height
	fn   func(Height)
}

// heightAt samples the nearest resident elevation texel; there is no
// interpolation between texels.
func (e *Engine) heightAt(p orb.Point) Height {
	m, ok := e.elevation.HeightAt(p)
	if !ok {
		return Height{}
	}
	return Height{Metres: m, Scene: m * e.proj.MetresToScene(p), OK: true}
}

// HeightAt asks the loop goroutine for the height at p. It returns a
// zero Height at once when nothing is resident there yet.
func (e *Engine) HeightAt(ctx context.Context, p orb.Point) (Height, error) {
	req := heightRequest{p: p, resp: make(chan Height, 1)}
	select {
	case e.heightReq <- req:
	case <-e.stop:
		return Height{}, ErrStopped
	case <-ctx.Done():
		return Height{}, ctx.Err()
	}
	select {
	case h := <-req.resp:
		return h, nil
	case <-e.stop:
		return Height{}, ErrStopped
	case <-ctx.Done():
		return Height{}, ctx.Err()
	}
}

// HeightAtAsync calls fn on the loop goroutine with the height at p:
// immediately if elevation is resident, otherwise once a later elevation
// update covers p. fn must not block.
func (e *Engine) HeightAtAsync(p orb.Point, fn func(Height)) error {
	select {
	case e.heightReq <- heightRequest{p: p, fn: fn}:
		return nil
	default:
		return ErrBusy
	}
}

func (e *Engine) handleHeight(req heightRequest) {
	h := e.heightAt(req.p)
	if req.resp != nil {
		req.resp <- h
		return
	}
	if req.fn == nil {
		return
	}
	if h.OK {
		req.fn(h)
		return
	}
	var id int
	id = e.elevation.AddListener(func() {
		h := e.heightAt(req.p)
		if !h.OK {
			return
		}
		e.elevation.RemoveListener(id)
		req.fn(h)
	})
}
