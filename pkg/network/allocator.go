package network

import "sync"

// basePort is the first port handed out on each host. Listen ports are
// allocated sequentially per host so two sinks on one host never collide.
const basePort = 20000

// PortAllocator hands out listen ports per host.
type PortAllocator struct {
	mu   sync.Mutex
	next map[string]int
}

// NewPortAllocator creates an empty allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{next: make(map[string]int)}
}

// Next returns the next free listen port on the given host.
func (a *PortAllocator) Next(hostID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.next[hostID]
	if !ok {
		port = basePort
	}
	a.next[hostID] = port + 1
	return port
}

// Reserve marks a fixed port as taken on a host, so sequential allocation
// skips past it. Used for externally exposed ports declared by services.
func (a *PortAllocator) Reserve(hostID string, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port >= a.next[hostID] {
		if a.next[hostID] == 0 && port < basePort {
			a.next[hostID] = basePort
			return
		}
		a.next[hostID] = port + 1
	}
}
