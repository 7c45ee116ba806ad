// Package portpool allocates public TCP ports for tunnel sessions from a
// fixed range, tracking which ports are currently in use.
package portpool

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPortsAvailable indicates every port in the configured range is
// either already allocated or fails to bind.
var ErrNoPortsAvailable = errors.New("portpool: no ports available")

// Allocator hands out ports from [lo, hi) and tracks which are busy.
// It is safe for concurrent use.
type Allocator struct {
	lo, hi uint16

	mu   sync.Mutex
	busy map[uint16]struct{}
}

// New creates an Allocator covering the half-open range [lo, hi).
func New(lo, hi uint16) *Allocator {
	return &Allocator{
		lo:   lo,
		hi:   hi,
		busy: make(map[uint16]struct{}),
	}
}

// Allocate scans the range in ascending order for a port that is not
// already busy and that binds successfully, marks it busy, and returns it.
// The trial listener is closed before Allocate returns; the caller is
// responsible for rebinding it (see ErrNoPortsAvailable for the exhausted
// case, and the small TOCTOU window documented in SPEC_FULL.md §9).
func (a *Allocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.lo; port < a.hi; port++ {
		if _, taken := a.busy[port]; taken {
			continue
		}
		if !bindable(port) {
			continue
		}
		a.busy[port] = struct{}{}
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

// Release removes port from the busy set. Releasing a port that is not
// currently allocated is a no-op.
func (a *Allocator) Release(port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.busy, port)
}

// IsBusy reports whether port is currently allocated. Intended for tests.
func (a *Allocator) IsBusy(port uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, busy := a.busy[port]
	return busy
}

// bindable probes whether port can be bound on all interfaces right now.
func bindable(port uint16) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
