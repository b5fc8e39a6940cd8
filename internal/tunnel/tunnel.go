// Package tunnel implements the routing pipeline (spec.md §4.1): decode →
// resolve (if needed) → rule match → group resolution → dial → full-duplex
// relay with accounting → registry removal. Grounded on the teacher's
// netLayer/relay.go ring-buffer copy loop, generalized from verysimple's
// fixed client/server pair into a rule-driven outbound lookup.
package tunnel

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/e1732a364fed/clashcore/internal/group"
	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/registry"
	"github.com/e1732a364fed/clashcore/internal/rule"
	"github.com/e1732a364fed/clashcore/internal/xerr"
	"go.uber.org/zap"
)

const (
	DefaultResolveDeadline = 5 * time.Second
	DefaultDialDeadline    = 10 * time.Second
	DefaultRelayBufferSize = 32 * 1024
	DefaultRelayGrace      = 2 * time.Second
	DefaultIdleTCP         = 30 * time.Minute
	DefaultIdleUDP         = 60 * time.Second
	MaxGroupDepth          = 8
)

// Resolver is the minimal DNS capability the tunnel needs for on-demand
// resolution of IP-requiring rules (spec.md §4.1 step 1).
type Resolver interface {
	Resolve(ctx context.Context, host string, preferV6 bool) (net.IP, error)
}

// DialNotifier is implemented by inbound streams whose wire protocol must
// report the outbound dial's outcome before any payload flows — HTTP
// CONNECT's 200/502/504 line (spec.md §6). Once an outbound dial has been
// attempted, the tunnel calls exactly one of the two methods, before relaying
// or before closing the stream; a stream closed before any dial (rule
// evaluation error, unknown target, outbound without UDP) gets neither.
type DialNotifier interface {
	DialReady()
	DialFailed(err error)
}

func notifyReady(stream io.ReadWriteCloser) {
	if n, ok := stream.(DialNotifier); ok {
		n.DialReady()
	}
}

func notifyFailed(stream io.ReadWriteCloser, err error) {
	if n, ok := stream.(DialNotifier); ok {
		n.DialFailed(err)
	}
}

// Snapshot is the atomically-installed, immutable view of routing state a
// reload publishes (spec.md §9 "Dynamic reconfiguration"): proxies, groups,
// and the compiled rule engine, all versioned together.
type Snapshot struct {
	Rules   *rule.Engine
	Proxies *outbound.Registry
	Groups  map[string]group.Group

	// Mode is rule, global, or direct (spec.md §6). In direct mode every
	// connection goes to DIRECT; in global mode to the GLOBAL group when
	// one exists, else DIRECT; only rule mode consults the engine.
	Mode string
}

// Tunnel composes the routing pipeline's collaborators and exposes the
// single public contract: Handle(inbound_stream, metadata).
type Tunnel struct {
	snapshot func() *Snapshot // returns the current snapshot; swapped by reload
	resolver Resolver
	registry *registry.Registry

	ResolveDeadline time.Duration
	DialDeadline    time.Duration
	RelayBufferSize int
	RelayGrace      time.Duration
}

func New(snapshot func() *Snapshot, resolver Resolver, reg *registry.Registry) *Tunnel {
	return &Tunnel{
		snapshot:        snapshot,
		resolver:        resolver,
		registry:        reg,
		ResolveDeadline: DefaultResolveDeadline,
		DialDeadline:    DefaultDialDeadline,
		RelayBufferSize: DefaultRelayBufferSize,
		RelayGrace:      DefaultRelayGrace,
	}
}

// Handle runs one connection through the full pipeline (spec.md §4.1).
func (t *Tunnel) Handle(ctx context.Context, inbound io.ReadWriteCloser, md *metadata.Metadata) {
	snap := t.snapshot()

	var targetName string
	switch snap.Mode {
	case "direct":
		targetName = "DIRECT"
		md.RuleTarget = targetName
	case "global":
		targetName = "DIRECT"
		if _, ok := snap.Groups["GLOBAL"]; ok {
			targetName = "GLOBAL"
		}
		md.RuleTarget = targetName
	default:
		if !md.HasIP() && t.ruleNeedsIP(snap, md) {
			t.resolveSync(ctx, md)
		}
		var err error
		targetName, _, err = snap.Rules.Match(md)
		if err != nil {
			if ce := logx.CanLogWarn("rule evaluation error"); ce != nil {
				ce.Write(zap.Error(err))
			}
			inbound.Close()
			return
		}
	}

	proxy, chain, err := t.resolveOutbound(snap, targetName)
	if err != nil {
		if ce := logx.CanLogWarn("no outbound for rule target"); ce != nil {
			ce.Write(zap.String("target", targetName), zap.Error(err))
		}
		inbound.Close()
		return
	}

	conn := t.registry.Enroll(md, string(md.InboundKind), targetName, chain)
	defer t.registry.Remove(conn)

	dialCtx, cancel := context.WithTimeout(ctx, t.DialDeadline)
	defer cancel()

	switch md.Network {
	case metadata.NetworkUDP:
		t.handleUDP(dialCtx, proxy, inbound, md, conn)
	default:
		t.handleTCP(dialCtx, proxy, inbound, md, conn)
	}
}

// ruleNeedsIP reports whether any rule that could plausibly match needs an
// IP and doesn't carry no-resolve (spec.md §4.1 step 1). We approximate
// conservatively: if any IP/GEOIP rule without no-resolve exists at all,
// resolve eagerly — evaluating "could this particular rule match" ahead of
// running the engine would duplicate its logic.
func (t *Tunnel) ruleNeedsIP(snap *Snapshot, md *metadata.Metadata) bool {
	return snap.Rules.HasUnresolvedIPDependency()
}

func (t *Tunnel) resolveSync(ctx context.Context, md *metadata.Metadata) {
	if md.DestHost == "" {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, t.ResolveDeadline)
	defer cancel()
	ip, err := t.resolver.Resolve(rctx, md.DestHost, false)
	if err != nil {
		// Resolution failure collapses to using dest_host only; subsequent
		// IP rules miss (spec.md §4.1 step 1).
		return
	}
	md.DestIP = ip
}

// resolveOutbound looks up name, recursing through groups with a visited
// set for cycle detection and a depth bound of 8 (spec.md §4.1 step 3/4).
func (t *Tunnel) resolveOutbound(snap *Snapshot, name string) (outbound.Proxy, []string, error) {
	visited := make(map[string]bool)
	chain := []string{}
	return t.resolveOutboundRec(snap, name, visited, chain, 0)
}

func (t *Tunnel) resolveOutboundRec(snap *Snapshot, name string, visited map[string]bool, chain []string, depth int) (outbound.Proxy, []string, error) {
	if depth > MaxGroupDepth {
		return nil, nil, &xerr.RuleError{Kind: xerr.RuleCycle, Target: name}
	}
	if visited[name] {
		return nil, nil, &xerr.RuleError{Kind: xerr.RuleCycle, Target: name}
	}
	visited[name] = true
	chain = append(chain, name)

	if p, ok := snap.Proxies.Get(name); ok {
		return p, chain, nil
	}
	if g, ok := snap.Groups[name]; ok {
		resolved, err := g.Now(visited)
		if err != nil {
			return nil, nil, err
		}
		// A group's Now() may itself return another group's name if groups
		// can nest (selector-of-selector); recurse one more level through
		// the same visited set to keep the cycle check global.
		if _, isGroup := snap.Groups[resolved.Name()]; isGroup && resolved.Name() != name {
			return t.resolveOutboundRec(snap, resolved.Name(), visited, chain, depth+1)
		}
		return resolved, append(chain, resolved.Name()), nil
	}
	return nil, nil, &xerr.RuleError{Kind: xerr.RuleUnknownTarget, Target: name}
}

func (t *Tunnel) handleTCP(ctx context.Context, proxy outbound.Proxy, inbound io.ReadWriteCloser, md *metadata.Metadata, conn *registry.Connection) {
	outConn, err := proxy.DialTCP(ctx, md)
	if err != nil {
		if ce := logx.CanLogWarn("dial failed"); ce != nil {
			ce.Write(zap.String("proxy", proxy.Name()), zap.Error(err))
		}
		notifyFailed(inbound, err)
		inbound.Close()
		return
	}
	defer outConn.Close()

	notifyReady(inbound)

	conn.AttachCloser(inbound)
	conn.AttachCloser(outConn)

	t.relay(inbound, outConn, conn, DefaultIdleTCP)
}

func (t *Tunnel) handleUDP(ctx context.Context, proxy outbound.Proxy, inbound io.ReadWriteCloser, md *metadata.Metadata, conn *registry.Connection) {
	if !proxy.SupportsUDP() {
		inbound.Close()
		return
	}
	pc, err := proxy.DialUDP(ctx, md)
	if err != nil {
		if ce := logx.CanLogWarn("udp dial failed"); ce != nil {
			ce.Write(zap.String("proxy", proxy.Name()), zap.Error(err))
		}
		notifyFailed(inbound, err)
		inbound.Close()
		return
	}
	defer pc.Close()

	notifyReady(inbound)

	peer := &net.UDPAddr{IP: md.DestIP, Port: int(md.DestPort)}
	if md.DestIP == nil {
		peer = nil // host-based outbounds (e.g. udpOverStream) ignore the addr argument
	}
	wrapped := &packetConnDuplex{pc: pc, peer: peer}

	conn.AttachCloser(inbound)
	conn.AttachCloser(pc)

	t.relay(inbound, wrapped, conn, DefaultIdleUDP)
}

// packetConnDuplex adapts a net.PacketConn into an io.ReadWriteCloser bound
// to a single peer, matching the one-session-per-connection shape every
// other relay path shares (spec.md §4.1, UDP associate is modelled as one
// Connection per client 5-tuple rather than a special case).
type packetConnDuplex struct {
	pc   net.PacketConn
	peer net.Addr
}

func (d *packetConnDuplex) Read(b []byte) (int, error) {
	n, addr, err := d.pc.ReadFrom(b)
	if err == nil && d.peer == nil {
		d.peer = addr
	}
	return n, err
}

func (d *packetConnDuplex) Write(b []byte) (int, error) {
	return d.pc.WriteTo(b, d.peer)
}

func (d *packetConnDuplex) Close() error { return d.pc.Close() }

// relay performs full-duplex copy with a bounded buffer per direction,
// publishing byte counts via the Connection's atomics after every chunk
// (spec.md §4.1 step 6/7). Either direction returning closes the opposite
// half-write and drains for RelayGrace before returning.
func (t *Tunnel) relay(a, b io.ReadWriteCloser, conn *registry.Connection, idle time.Duration) {
	done := make(chan struct{}, 2)

	go func() {
		t.copyDirection(b, a, conn.AddUploaded, conn, idle)
		closeWrite(b)
		done <- struct{}{}
	}()
	go func() {
		t.copyDirection(a, b, conn.AddDownloaded, conn, idle)
		closeWrite(a)
		done <- struct{}{}
	}()

	<-done
	select {
	case <-done:
	case <-time.After(t.RelayGrace):
	}
}

// copyDirection moves bytes chunk by chunk so the Connection's counters are
// live while the transfer runs and a Kill is observed between chunks
// (spec.md §4.8). Relay errors are swallowed per spec.md §4.1/§7: the
// connection simply ends; only the dial path surfaces an error.
func (t *Tunnel) copyDirection(dst io.Writer, src io.Reader, account func(int64), conn *registry.Connection, idle time.Duration) {
	type deadliner interface {
		SetReadDeadline(time.Time) error
	}
	dl, hasDeadline := src.(deadliner)

	buf := make([]byte, t.RelayBufferSize)
	for {
		if conn.Cancelled() {
			return
		}
		if hasDeadline && idle > 0 {
			dl.SetReadDeadline(time.Now().Add(idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			account(int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// closeWrite half-closes the write side if the stream supports it, else
// closes it fully.
func closeWrite(rw io.ReadWriteCloser) {
	type halfCloser interface {
		CloseWrite() error
	}
	if hc, ok := rw.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	rw.Close()
}
