package browser

import (
	"fmt"
	"sync"
)

// PortAllocator hands out debug ports from a bounded range [base, base+count).
// A port is held by at most one non-closed instance at a time; the lifecycle
// controller releases it once the process is confirmed exited.
type PortAllocator struct {
	mu    sync.Mutex
	base  int
	count int
	inUse map[int]bool
}

// NewPortAllocator creates an allocator over [base, base+count).
func NewPortAllocator(base, count int) *PortAllocator {
	return &PortAllocator{
		base:  base,
		count: count,
		inUse: make(map[int]bool),
	}
}

// Allocate reserves and returns the lowest free port in the range. It fails
// with ErrResourceExhausted when every port is held.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.base; port < a.base+a.count; port++ {
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in [%d, %d): %w", a.base, a.base+a.count, ErrResourceExhausted)
}

// Release returns a port to the free set. Releasing an already-free port or a
// port outside the range is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse returns the number of currently reserved ports.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
