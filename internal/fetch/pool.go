package fetch

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"terrastream.ai/internal/tile"
)

var ErrClosed = errors.New("fetch: loader closed")
var ErrQueueFull = errors.New("fetch: queue full")

// Loader starts an asynchronous load of one tile.
type Loader interface {
	Load(ctx context.Context, k tile.Key) *Future
}

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	RequestedTotal  uint64
	DroppedTotal    uint64
	CancelledTotal  uint64
	SuccessTotal    uint64
	FailTotal       uint64
	BytesTotal      uint64
	LastSuccessUnix int64
	LastErrorUnix   int64
}

type job struct {
	ctx context.Context
	key tile.Key
	f   *Future
}

// Pool runs loads on a fixed set of workers reading from a bounded queue.
// Load never blocks: a full queue resolves the future with ErrQueueFull.
type Pool struct {
	src    Source
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	requestedTotal  atomic.Uint64
	droppedTotal    atomic.Uint64
	cancelledTotal  atomic.Uint64
	successTotal    atomic.Uint64
	failTotal       atomic.Uint64
	bytesTotal      atomic.Uint64
	lastSuccessUnix atomic.Int64
	lastErrorUnix   atomic.Int64
}

func NewPool(src Source, workers, queueCapacity int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	p := &Pool{
		src:    src,
		logger: logger,
		jobs:   make(chan job, queueCapacity),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.jobs {
				p.run(j)
			}
		}()
	}
	return p
}

func (p *Pool) Load(ctx context.Context, k tile.Key) *Future {
	p.requestedTotal.Add(1)
	jctx, cancel := context.WithCancel(ctx)
	f := newFuture(cancel)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		f.resolve(nil, 0, ErrClosed)
		return f
	}
	select {
	case p.jobs <- job{ctx: jctx, key: k, f: f}:
	default:
		p.droppedTotal.Add(1)
		f.resolve(nil, 0, ErrQueueFull)
	}
	return f
}

func (p *Pool) run(j job) {
	if err := j.ctx.Err(); err != nil {
		p.cancelledTotal.Add(1)
		j.f.resolve(nil, 0, err)
		return
	}
	b, err := p.src.Fetch(j.ctx, j.key)
	if err != nil {
		p.fail(j, err)
		return
	}
	img, err := Decode(b)
	if err != nil {
		p.fail(j, err)
		return
	}
	p.successTotal.Add(1)
	p.bytesTotal.Add(uint64(len(b)))
	p.lastSuccessUnix.Store(time.Now().UTC().Unix())
	j.f.resolve(img, len(b), nil)
}

func (p *Pool) fail(j job, err error) {
	if errors.Is(err, context.Canceled) {
		p.cancelledTotal.Add(1)
	} else {
		p.failTotal.Add(1)
		p.lastErrorUnix.Store(time.Now().UTC().Unix())
		p.printf("fetch failed key=%s err=%v", j.key, err)
	}
	j.f.resolve(nil, 0, err)
}

func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(p.jobs),
		QueueCapacity:   cap(p.jobs),
		RequestedTotal:  p.requestedTotal.Load(),
		DroppedTotal:    p.droppedTotal.Load(),
		CancelledTotal:  p.cancelledTotal.Load(),
		SuccessTotal:    p.successTotal.Load(),
		FailTotal:       p.failTotal.Load(),
		BytesTotal:      p.bytesTotal.Load(),
		LastSuccessUnix: p.lastSuccessUnix.Load(),
		LastErrorUnix:   p.lastErrorUnix.Load(),
	}
}

// Close stops accepting loads and waits for queued ones to finish.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
