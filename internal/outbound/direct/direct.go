// Package direct implements the Direct outbound (spec.md §4.3): bind a
// local socket, connect to dest_ip:dest_port (resolving if needed), no
// framing. Grounded on the teacher's proxy/direct/client.go, which does the
// same bare net.Dial with an optional bind address and sockopt.
package direct

import (
	"context"
	"net"
	"strconv"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

// Name is the registry name rules target; Clash convention is uppercase.
const Name = "DIRECT"

const kind = "direct"

// Resolver is the minimal hook Direct needs from internal/dns: turn a
// hostname into an IP when Metadata didn't already carry one.
type Resolver interface {
	Resolve(ctx context.Context, host string, preferV6 bool) (net.IP, error)
}

type Proxy struct {
	outbound.Base
	dialer   *net.Dialer
	resolver Resolver
}

func New(resolver Resolver) *Proxy {
	return &Proxy{
		Base:     outbound.NewBase(Name, kind, true),
		dialer:   &net.Dialer{},
		resolver: resolver,
	}
}

func (p *Proxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	addr, err := p.resolveAddr(ctx, md)
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialDns, Proxy: p.Name(), Err: err}
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: err}
	}
	return conn, nil
}

func (p *Proxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", "")
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: err}
	}
	return pc, nil
}

func (p *Proxy) resolveAddr(ctx context.Context, md *metadata.Metadata) (string, error) {
	if md.DestIP != nil {
		return net.JoinHostPort(md.DestIP.String(), strconv.Itoa(int(md.DestPort))), nil
	}
	if ip := net.ParseIP(md.DestHost); ip != nil {
		return net.JoinHostPort(ip.String(), strconv.Itoa(int(md.DestPort))), nil
	}
	ip, err := p.resolver.Resolve(ctx, md.DestHost, false)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(int(md.DestPort))), nil
}
