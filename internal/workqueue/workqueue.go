// Package workqueue spreads per-item work across frames under a fixed time
// budget.
//
// Each Step gives all tasks together at most Budget of wall time. A normal
// task gets an equal share of it, a high-priority task may use whatever is
// left. When a task has processed its last item its completion callback is
// not run immediately: it is queued and fired at the start of a later
// task's turn, as long as more than CompleteReserve of the budget remains.
package workqueue

import (
	"time"
)

const (
	DefaultBudget          = 30 * time.Millisecond
	DefaultCompleteReserve = 10 * time.Millisecond
)

type Options struct {
	Budget          time.Duration
	CompleteReserve time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
}

type task struct {
	items      []func()
	next       int
	onComplete func()
	high       bool
	done       bool
}

// Queue is driven by one goroutine calling Step once per frame.
type Queue struct {
	budget  time.Duration
	reserve time.Duration
	now     func() time.Time

	tasks     []*task
	completed []*task
	deferred  []func()
}

func New(opts Options) *Queue {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.CompleteReserve <= 0 {
		opts.CompleteReserve = DefaultCompleteReserve
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{budget: opts.Budget, reserve: opts.CompleteReserve, now: opts.Now}
}

// Add queues items for processing. onComplete may be nil. An empty task
// completes on the next Step.
func (q *Queue) Add(items []func(), onComplete func(), highPriority bool) {
	if onComplete == nil {
		onComplete = func() {}
	}
	if len(items) == 0 {
		q.deferred = append(q.deferred, onComplete)
		return
	}
	q.tasks = append(q.tasks, &task{items: items, onComplete: onComplete, high: highPriority})
}

// Each is Add for a slice of values processed by one function.
func Each[T any](q *Queue, items []T, process func(T), onComplete func(), highPriority bool) {
	fns := make([]func(), len(items))
	for i, it := range items {
		it := it
		fns[i] = func() { process(it) }
	}
	q.Add(fns, onComplete, highPriority)
}

// Len is the number of tasks not yet completed, including those whose
// completion callback is still pending.
func (q *Queue) Len() int { return len(q.tasks) + len(q.deferred) }

// Idle reports whether nothing is queued.
func (q *Queue) Idle() bool { return q.Len() == 0 }

// Step runs one frame's share of work and returns the number of items
// processed.
func (q *Queue) Step() int {
	start := q.now()
	deadline := start.Add(q.budget)

	deferred := q.deferred
	q.deferred = nil
	for _, fn := range deferred {
		fn()
	}

	processed := 0
	for _, t := range append([]*task(nil), q.tasks...) {
		now := q.now()
		if now.After(deadline) {
			break
		}

		if len(q.completed) > 0 && deadline.Sub(now) > q.reserve {
			c := q.completed[0]
			q.completed = q.completed[1:]
			q.remove(c)
			c.onComplete()
		}
		if t.done {
			continue
		}

		now = q.now()
		local := deadline
		if !t.high {
			local = now.Add(q.budget / time.Duration(len(q.tasks)))
		}
		for now.Before(deadline) && now.Before(local) && t.next < len(t.items) {
			t.items[t.next]()
			t.next++
			processed++
			now = q.now()
		}
		if t.next >= len(t.items) {
			t.done = true
			q.completed = append(q.completed, t)
		}
	}
	return processed
}

func (q *Queue) remove(t *task) {
	for i, c := range q.tasks {
		if c == t {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}
