package fetch

import (
	"context"
	"image"
	"sync"
)

// Future is the pending result of one tile load. It resolves exactly once.
// Cancel only withdraws interest: a load that already finished keeps its
// result, and a consumer holding a stale Future may still read it safely.
type Future struct {
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	img image.Image
	n   int
	err error
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

// Resolved returns an already completed Future.
func Resolved(img image.Image, err error) *Future {
	f := newFuture(nil)
	f.resolve(img, 0, err)
	return f
}

// Pending returns an unresolved Future and the function that completes it.
// Loaders outside this package use it to hand back their own futures.
func Pending() (*Future, func(image.Image, error)) {
	f := newFuture(nil)
	return f, func(img image.Image, err error) { f.resolve(img, 0, err) }
}

func (f *Future) resolve(img image.Image, n int, err error) {
	f.once.Do(func() {
		f.img = img
		f.n = n
		f.err = err
		if f.cancel != nil {
			f.cancel()
		}
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the Future resolves.
func (f *Future) Result() (image.Image, error) {
	<-f.done
	return f.img, f.err
}

// Bytes is the encoded size of the loaded tile, 0 if unknown.
func (f *Future) Bytes() int {
	<-f.done
	return f.n
}

func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
