package stream

import (
	"fmt"
	"net"
	"sync"
)

// PortRange bounds the RTP ports a PortManager may hand out.
type PortRange struct {
	Min int
	Max int
}

// PortManager allocates even RTP ports from a range, implementing
// PortAllocator. Grounded on
// arzzra-soft_phone/pkg/media_with_sdp/port_manager.go's bind-checked
// allocation loop, narrowed to single-port (no RTCP pairing, since the
// reference AudioStream doesn't run RTCP).
type PortManager struct {
	mu    sync.Mutex
	rng   PortRange
	used  map[int]bool
}

// NewPortManager validates rng and returns a PortManager over it.
func NewPortManager(rng PortRange) (*PortManager, error) {
	if rng.Min <= 0 || rng.Max <= 0 || rng.Min >= rng.Max {
		return nil, fmt.Errorf("stream: invalid port range [%d,%d]", rng.Min, rng.Max)
	}
	return &PortManager{rng: rng, used: make(map[int]bool)}, nil
}

// AllocatePort returns the next free, bindable port in the range.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	start := pm.rng.Min
	if start%2 != 0 {
		start++
	}
	for port := start; port < pm.rng.Max; port += 2 {
		if pm.used[port] {
			continue
		}
		if pm.canBind(port) {
			pm.used[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("stream: no free port in range [%d,%d]", pm.rng.Min, pm.rng.Max)
}

// Release frees port for reuse.
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.used, port)
}

func (pm *PortManager) canBind(port int) bool {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
