package dns

import (
	"encoding/binary"
	"net"
	"sync"
)

// FakeIPPool allocates synthetic IPs from a fixed pool (default
// 198.18.0.0/16), LRU, with a registry mapping ip<->host to prevent
// collisions while a binding is in flight (spec.md §4.7).
type FakeIPPool struct {
	mu sync.Mutex

	base    uint32
	size    uint32
	next    uint32

	ipToHost map[uint32]string
	hostToIP map[string]uint32
	order    []uint32 // LRU order, oldest first
	inUse    map[uint32]bool
}

// NewFakeIPPool builds a pool over cidr (default "198.18.0.0/16").
func NewFakeIPPool(cidr string) (*FakeIPPool, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}
	base := binary.BigEndian.Uint32(network.IP.To4())
	ones, bits := network.Mask.Size()
	size := uint32(1) << uint32(bits-ones)

	return &FakeIPPool{
		base:     base,
		size:     size,
		ipToHost: make(map[uint32]string),
		hostToIP: make(map[string]uint32),
		inUse:    make(map[uint32]bool),
	}, nil
}

func uint32ToIP(v uint32) net.IP {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return net.IP(b)
}

// Allocate returns (or reuses) a FakeIP for host. Collisions are avoided by
// evicting the oldest mapping that is not currently in use (spec.md §4.7).
func (p *FakeIPPool) Allocate(host string) net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.hostToIP[host]; ok {
		p.touchLocked(v)
		return uint32ToIP(p.base + v)
	}

	var slot uint32
	if uint32(len(p.ipToHost)) < p.size {
		slot = p.next
		p.next = (p.next + 1) % p.size
	} else {
		slot = p.evictOldestLocked()
	}

	p.ipToHost[slot] = host
	p.hostToIP[host] = slot
	p.inUse[slot] = true
	p.order = append(p.order, slot)
	return uint32ToIP(p.base + slot)
}

func (p *FakeIPPool) evictOldestLocked() uint32 {
	for i, slot := range p.order {
		if p.inUse[slot] {
			continue
		}
		host := p.ipToHost[slot]
		delete(p.ipToHost, slot)
		delete(p.hostToIP, host)
		p.order = append(p.order[:i:i], p.order[i+1:]...)
		return slot
	}
	// everything in use: reuse the oldest anyway (pool exhausted under load).
	slot := p.order[0]
	host := p.ipToHost[slot]
	delete(p.ipToHost, slot)
	delete(p.hostToIP, host)
	p.order = p.order[1:]
	return slot
}

func (p *FakeIPPool) touchLocked(slot uint32) {
	for i, s := range p.order {
		if s == slot {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	p.order = append(p.order, slot)
}

// ReverseToHost recovers host for ip while the binding is live
// (spec.md §8: FakeIP.reverse(FakeIP.allocate(host)) == host).
func (p *FakeIPPool) ReverseToHost(ip net.IP) (string, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return "", false
	}
	v := binary.BigEndian.Uint32(ip4)
	if v < p.base || v >= p.base+p.size {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	host, ok := p.ipToHost[v-p.base]
	return host, ok
}

// ReverseToIP is the other half of the resolver's lookup order: given a
// hostname that is currently bound to a FakeIP, return it without a fresh
// allocation (used by Resolver.Resolve's FakeIP-reverse-map layer).
func (p *FakeIPPool) ReverseToIP(host string) (net.IP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.hostToIP[host]
	if !ok {
		return nil, false
	}
	return uint32ToIP(p.base + v), true
}

// Release marks ip's binding no longer in flight, making it eligible for
// LRU eviction.
func (p *FakeIPPool) Release(ip net.IP) {
	ip4 := ip.To4()
	if ip4 == nil {
		return
	}
	v := binary.BigEndian.Uint32(ip4)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, v-p.base)
}

// Clear flushes the whole pool (spec.md §4.7 clear_cache, hosts map excluded).
func (p *FakeIPPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ipToHost = make(map[uint32]string)
	p.hostToIP = make(map[string]uint32)
	p.inUse = make(map[uint32]bool)
	p.order = nil
	p.next = 0
}
