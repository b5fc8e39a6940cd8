// Package outbound defines the Proxy capability set (spec.md §3) and its
// concrete protocol implementations. The capability set is closed and
// small, so — per spec.md §9 "Polymorphism over proxy/group variants" — we
// use a common embedded Base plus small concrete structs instead of a deep
// interface hierarchy, the way the teacher's proxy.Base/BaseInterface pair
// does for its much larger VSI layer stack.
package outbound

import (
	"context"
	"net"

	"go.uber.org/atomic"

	"github.com/e1732a364fed/clashcore/internal/metadata"
)

// Proxy is the polymorphic capability set shared by every outbound variant
// (Direct, Reject, Shadowsocks, Trojan, VLESS, VMess, Hysteria2, HTTP,
// SOCKS5, GoFallback) and implemented transparently by every ProxyGroup.
type Proxy interface {
	Name() string
	Kind() string

	DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error)
	DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error)
	SupportsUDP() bool

	Alive() bool
	LastDelayMS() int64
}

// Mutable is implemented by every type that embeds Base, so health-checks
// and dial-error handling can update liveness/delay without a type switch
// per protocol. Groups embed Base too and so satisfy Mutable, but their own
// Alive/LastDelayMS ignore those fields.
type Mutable interface {
	Proxy
	SetAlive(bool)
	SetLastDelayMS(int64)
}

// Base carries the fields and atomics every concrete proxy needs, mirroring
// the teacher's Base-embedding convention (proxy/base.go) but reduced to the
// capability set spec.md actually names.
type Base struct {
	name string
	kind string

	udp bool

	alive     atomic.Bool
	lastDelay atomic.Int64
}

func NewBase(name, kind string, udp bool) Base {
	b := Base{name: name, kind: kind, udp: udp}
	b.alive.Store(true)
	return b
}

func (b *Base) Name() string         { return b.name }
func (b *Base) Kind() string         { return b.kind }
func (b *Base) SupportsUDP() bool    { return b.udp }
func (b *Base) Alive() bool          { return b.alive.Load() }
func (b *Base) SetAlive(v bool)      { b.alive.Store(v) }
func (b *Base) LastDelayMS() int64   { return b.lastDelay.Load() }
func (b *Base) SetLastDelayMS(v int64) { b.lastDelay.Store(v) }

// Registry is a copy-on-write snapshot of concrete proxies by name, per
// spec.md §9 "Dynamic reconfiguration": a reload builds a fresh map and
// swaps a pointer rather than mutating in place.
type Registry struct {
	byName map[string]Proxy
}

func NewRegistry(proxies []Proxy) *Registry {
	m := make(map[string]Proxy, len(proxies))
	for _, p := range proxies {
		m[p.Name()] = p
	}
	return &Registry{byName: m}
}

func (r *Registry) Get(name string) (Proxy, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) All() []Proxy {
	out := make([]Proxy, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	return out
}
