package ims

import (
	"sync"

	"uas-server/pkg/errors"
)

// PortPool hands out even RTP ports from a fixed range.
type PortPool struct {
	minPort   int
	maxPort   int
	mu        sync.Mutex
	usedPorts map[int]bool
	next      int
	stats     PortPoolStats
}

// PortPoolStats tracks port allocation statistics
type PortPoolStats struct {
	TotalPorts        int
	UsedPorts         int
	AvailablePorts    int
	AllocationCount   int64
	DeallocationCount int64
}

// NewPortPool creates a pool over [minPort, maxPort]
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort <= 0 || maxPort <= 0 || minPort >= maxPort {
		// Default to common RTP port range if invalid values provided
		minPort = 10000
		maxPort = 20000
	}
	if minPort%2 != 0 {
		minPort++
	}

	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		usedPorts: make(map[int]bool),
		next:      minPort,
		stats: PortPoolStats{
			TotalPorts: (maxPort-minPort)/2 + 1,
		},
	}
}

// Allocate returns a free even port. Ports are handed out round robin so a
// released port is not reused right away.
func (pp *PortPool) Allocate() (int, error) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	for i := 0; i < pp.stats.TotalPorts; i++ {
		port := pp.next
		pp.next += 2
		if pp.next > pp.maxPort {
			pp.next = pp.minPort
		}
		if !pp.usedPorts[port] {
			pp.usedPorts[port] = true
			pp.stats.AllocationCount++
			return port, nil
		}
	}

	return 0, errors.New("no free ports available", map[string]interface{}{
		"min_port": pp.minPort,
		"max_port": pp.maxPort,
	})
}

// Release returns port to the pool. Unknown ports are ignored.
func (pp *PortPool) Release(port int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.usedPorts[port] {
		delete(pp.usedPorts, port)
		pp.stats.DeallocationCount++
	}
}

// Range returns the configured port range
func (pp *PortPool) Range() (min, max int) {
	return pp.minPort, pp.maxPort
}

// Stats returns port pool statistics
func (pp *PortPool) Stats() PortPoolStats {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	stats := pp.stats
	stats.UsedPorts = len(pp.usedPorts)
	stats.AvailablePorts = stats.TotalPorts - stats.UsedPorts
	return stats
}
