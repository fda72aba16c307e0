package cluster

import (
	"context"
	"sync"
	"time"
)

// Invalidator exchanges invalidations with the other nodes of a cluster.
//
// Received invalidations are buffered. Receive hands them out at most once
// per delay window, unless ProcessNext asked for immediate delivery.
type Invalidator interface {
	// NodeID identifies this node in broadcasts
	NodeID() string
	// Send broadcasts invalidations produced by a local commit
	Send(ctx context.Context, inv *Invalidations) error
	// Receive returns the buffered remote invalidations when due, or nil
	Receive() *Invalidations
	// ProcessNext makes the next Receive deliver regardless of the delay
	ProcessNext()
	Close() error
}

// buffer holds remote invalidations between deliveries
type buffer struct {
	mu       sync.Mutex
	delay    time.Duration
	now      func() time.Time
	pending  *Invalidations
	last     time.Time
	forceNow bool
}

func newBuffer(delay time.Duration) *buffer {
	return &buffer{delay: delay, now: time.Now, pending: NewInvalidations()}
}

func (b *buffer) add(inv *Invalidations) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.Add(inv)
}

func (b *buffer) take() *Invalidations {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.forceNow && b.delay > 0 && now.Sub(b.last) < b.delay {
		return nil
	}
	b.forceNow = false
	b.last = now
	if b.pending.IsEmpty() {
		return nil
	}
	inv := b.pending
	b.pending = NewInvalidations()
	return inv
}

func (b *buffer) processNext() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forceNow = true
}

// Hub connects in-process invalidators as if they were separate nodes.
// Used when several repositories share a database inside one process, and
// in tests.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*HubInvalidator
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*HubInvalidator)}
}

// Join registers a node
func (h *Hub) Join(nodeID string, delay time.Duration) *HubInvalidator {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := &HubInvalidator{hub: h, id: nodeID, buf: newBuffer(delay)}
	h.nodes[nodeID] = n
	return n
}

// HubInvalidator is one node of a Hub
type HubInvalidator struct {
	hub *Hub
	id  string
	buf *buffer
}

var _ Invalidator = (*HubInvalidator)(nil)

func (n *HubInvalidator) NodeID() string { return n.id }

func (n *HubInvalidator) Send(_ context.Context, inv *Invalidations) error {
	if inv.IsEmpty() {
		return nil
	}
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	for id, other := range n.hub.nodes {
		if id != n.id {
			other.buf.add(inv)
		}
	}
	return nil
}

func (n *HubInvalidator) Receive() *Invalidations { return n.buf.take() }

func (n *HubInvalidator) ProcessNext() { n.buf.processNext() }

func (n *HubInvalidator) Close() error {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	delete(n.hub.nodes, n.id)
	return nil
}
