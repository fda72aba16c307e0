package sqlstore

import "sync"

// propagator groups the mappers of one store. When one of them sees its
// connection reset, the others revalidate before their next transaction.
type propagator struct {
	mu      sync.Mutex
	mappers map[*sqlMapper]struct{}
}

func newPropagator() *propagator {
	return &propagator{mappers: make(map[*sqlMapper]struct{})}
}

func (p *propagator) add(m *sqlMapper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mappers[m] = struct{}{}
}

func (p *propagator) remove(m *sqlMapper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mappers, m)
}

func (p *propagator) connectionWasReset(from *sqlMapper) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for m := range p.mappers {
		if m != from {
			m.checkValid.Store(true)
		}
	}
}

func (p *propagator) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.mappers)
}
