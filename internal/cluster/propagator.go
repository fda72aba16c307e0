package cluster

import "sync"

// Queue accumulates the invalidations addressed to one session until it
// drains them, typically at its next transaction start
type Queue struct {
	mu      sync.Mutex
	pending *Invalidations
}

// NewQueue returns an empty queue
func NewQueue() *Queue {
	return &Queue{pending: NewInvalidations()}
}

// Add merges inv into the pending set
func (q *Queue) Add(inv *Invalidations) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending.Add(inv)
}

// Drain returns the pending set, or nil when empty, and resets the queue
func (q *Queue) Drain() *Invalidations {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.IsEmpty() {
		return nil
	}
	inv := q.pending
	q.pending = NewInvalidations()
	return inv
}

// Propagator fans invalidations out to the queues of the sessions of one
// repository. Unlike a lossy event bus it never drops: a slow session just
// accumulates a larger pending set.
type Propagator struct {
	mu     sync.RWMutex
	queues map[*Queue]struct{}
}

// NewPropagator creates a new propagator
func NewPropagator() *Propagator {
	return &Propagator{queues: make(map[*Queue]struct{})}
}

// Subscribe adds a queue to receive invalidations
func (p *Propagator) Subscribe(q *Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[q] = struct{}{}
}

// Unsubscribe removes a queue
func (p *Propagator) Unsubscribe(q *Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.queues, q)
}

// Publish sends inv to every queue except from, which may be nil
func (p *Propagator) Publish(from *Queue, inv *Invalidations) {
	if inv.IsEmpty() {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for q := range p.queues {
		if q != from {
			q.Add(inv)
		}
	}
}

// Len is the number of subscribed queues
func (p *Propagator) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queues)
}
