// Package pool holds the fixed set of backend servers and answers "which
// backend handles the next request?".
//
// A ServerPool does no locking of its own. Callers share one pool between
// goroutines by serializing every method call behind a single mutex; see
// internal/proxy for the forwarder that does exactly that.
package pool

import (
	"errors"
	"fmt"
)

// ErrConfiguration is returned when a pool cannot be built from the given
// addresses or policy name.
var ErrConfiguration = errors.New("pool: invalid configuration")

// ServerPool is an ordered, non-empty, fixed-size collection of Backends.
type ServerPool struct {
	backends []*Backend
	policy   Policy

	// cursor is the round-robin position; always in [0, len(backends)).
	cursor int
}

// New builds a pool from addresses (host:port) in the given order. The pool
// selects with policy; a nil policy means RoundRobin.
func New(addresses []string, policy Policy) (*ServerPool, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: at least one backend address is required", ErrConfiguration)
	}
	if policy == nil {
		policy = RoundRobin()
	}

	backends := make([]*Backend, 0, len(addresses))
	for i, addr := range addresses {
		if addr == "" {
			return nil, fmt.Errorf("%w: backend[%d] has an empty address", ErrConfiguration, i)
		}
		backends = append(backends, &Backend{address: addr})
	}
	return &ServerPool{backends: backends, policy: policy}, nil
}

func (p *ServerPool) Len() int       { return len(p.backends) }
func (p *ServerPool) Policy() Policy { return p.policy }

// Backend returns the i-th backend in address order. It panics if i is out of
// range.
func (p *ServerPool) Backend(i int) *Backend { return p.at(i) }

// Next selects a backend with the pool's policy and counts the dispatch.
// It does not touch the in-flight counter; callers whose policy tracks load
// follow up with RecordStart.
func (p *ServerPool) Next() *Backend {
	b := p.policy.Select(p)
	b.dispatched++
	return b
}

// SelectRoundRobin returns the backend under the cursor and advances the
// cursor, wrapping to zero at the end of the pool.
func (p *ServerPool) SelectRoundRobin() *Backend {
	b := p.at(p.cursor)
	p.cursor = (p.cursor + 1) % len(p.backends)
	return b
}

// SelectLeastLoaded returns the backend with the fewest active connections.
// On a tie the lowest index wins.
func (p *ServerPool) SelectLeastLoaded() *Backend {
	best := 0
	for i, b := range p.backends[1:] {
		if b.activeConns < p.backends[best].activeConns {
			best = i + 1
		}
	}
	return p.at(best)
}

// RecordStart marks one more request in flight on b.
func (p *ServerPool) RecordStart(b *Backend) {
	b.activeConns++
}

// RecordEnd marks one request on b as finished. The counter never drops
// below zero.
func (p *ServerPool) RecordEnd(b *Backend) {
	if b.activeConns > 0 {
		b.activeConns--
	}
}

// Snapshot copies every backend's counters in pool order.
func (p *ServerPool) Snapshot() []BackendState {
	out := make([]BackendState, len(p.backends))
	for i, b := range p.backends {
		out[i] = BackendState{
			Address:           b.address,
			ActiveConnections: b.activeConns,
			Dispatched:        b.dispatched,
		}
	}
	return out
}

// at panics on an out-of-range index: selection producing one is a bug in
// this package, not something a caller can recover from.
func (p *ServerPool) at(i int) *Backend {
	if i < 0 || i >= len(p.backends) {
		panic(fmt.Sprintf("pool: selected index %d out of range [0,%d)", i, len(p.backends)))
	}
	return p.backends[i]
}
