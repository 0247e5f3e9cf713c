// Package slotpool hands out texture-pool slot ids.
//
// Ids 0..capacity-1 are issued once in order; after that the least
// recently used id is recycled. Tap marks an id as used without
// reassigning it.
package slotpool

const none = -1

// Pool is not safe for concurrent use.
type Pool struct {
	capacity int
	issued   int

	// Recency list over ids, head is least recently used.
	prev, next []int
	head, tail int
	tracked    []bool
}

func New(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		capacity: capacity,
		prev:     make([]int, capacity),
		next:     make([]int, capacity),
		tracked:  make([]bool, capacity),
		head:     none,
		tail:     none,
	}
	return p
}

func (p *Pool) Capacity() int { return p.capacity }

// Issued is how many distinct ids have been handed out so far.
func (p *Pool) Issued() int { return p.issued }

// Next returns a fresh id while any remain, otherwise the least recently
// tapped one. The returned id becomes most recently used.
func (p *Pool) Next() int {
	var id int
	if p.issued < p.capacity {
		id = p.issued
		p.issued++
	} else {
		id = p.head
		p.unlink(id)
	}
	p.pushBack(id)
	return id
}

// Tap moves id to the back of the recency queue. Unknown ids are ignored.
func (p *Pool) Tap(id int) {
	if id < 0 || id >= p.capacity || !p.tracked[id] {
		return
	}
	if id == p.tail {
		return
	}
	p.unlink(id)
	p.pushBack(id)
}

// Order returns ids from least to most recently used.
func (p *Pool) Order() []int {
	out := make([]int, 0, p.issued)
	for id := p.head; id != none; id = p.next[id] {
		out = append(out, id)
	}
	return out
}

func (p *Pool) pushBack(id int) {
	p.prev[id] = p.tail
	p.next[id] = none
	if p.tail != none {
		p.next[p.tail] = id
	} else {
		p.head = id
	}
	p.tail = id
	p.tracked[id] = true
}

func (p *Pool) unlink(id int) {
	if p.prev[id] != none {
		p.next[p.prev[id]] = p.next[id]
	} else {
		p.head = p.next[id]
	}
	if p.next[id] != none {
		p.prev[p.next[id]] = p.prev[id]
	} else {
		p.tail = p.prev[id]
	}
	p.prev[id], p.next[id] = none, none
	p.tracked[id] = false
}
