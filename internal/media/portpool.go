// Package media is the bridge's media collaborator: an in-process port
// pool and per-call session table the signaling engine drives through a
// narrow surface. RTP forwarding itself stays behind these types.
package media

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolExhausted is returned when no port pairs remain. The signaling
// layer maps this to 503 Service Unavailable.
var ErrPoolExhausted = errors.New("port pool exhausted")

// PortPool hands out RTP/RTCP port pairs (even RTP, odd RTCP).
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool
	allocated map[int]bool
}

// NewPortPool creates a pool over [minPort, maxPort). minPort is rounded
// up to even.
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}
	available := make(map[int]bool)
	for port := minPort; port < maxPort; port += 2 {
		available[port] = true
	}
	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// Allocate returns an (RTP, RTCP) pair or ErrPoolExhausted.
func (p *PortPool) Allocate() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		return port, port + 1, nil
	}
	return 0, 0, fmt.Errorf("%w (range %d-%d)", ErrPoolExhausted, p.minPort, p.maxPort)
}

// Release returns a pair to the pool. Releasing an unallocated port is a
// no-op, so release paths can race safely.
func (p *PortPool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocated[rtpPort] {
		delete(p.allocated, rtpPort)
		p.available[rtpPort] = true
	}
}

// Available returns the number of free port pairs.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Allocated returns the number of pairs in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
