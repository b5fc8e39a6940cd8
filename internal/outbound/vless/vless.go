// Package vless implements the VLESS outbound (spec.md §4.3): TLS (via the
// warm pool) then [ver=0|uuid|addon_len=0|cmd|port|addr_type|addr] and raw
// payload. Grounded on the teacher's proxy/vless/{vless,client}.go, which
// builds the identical fixed header before relaying raw bytes.
package vless

import (
	"bytes"
	"context"
	"net"
	"strconv"

	utls "github.com/refraction-networking/utls"
	"github.com/google/uuid"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/tlspool"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

const Name = "vless"

const (
	cmdTCP = 0x01
	cmdUDP = 0x02
)

type Config struct {
	Name           string
	Server         string
	Port           uint16
	UUID           string
	SNI            string
	ALPN           string
	SkipCertVerify bool
}

type Proxy struct {
	outbound.Base
	cfg    Config
	pool   *tlspool.Pool
	id     uuid.UUID
	dialer net.Dialer
}

func New(cfg Config, pool *tlspool.Pool) (*Proxy, error) {
	id, err := uuid.Parse(cfg.UUID)
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: cfg.Name, Err: err}
	}
	p := &Proxy{
		Base: outbound.NewBase(cfg.Name, Name, true),
		cfg:  cfg,
		pool: pool,
		id:   id,
	}
	if pool != nil {
		pool.RegisterDialer(p.poolKey(), func(ctx context.Context, _ tlspool.Key) (tlspool.Stream, error) {
			return p.coldHandshake(ctx)
		})
	}
	return p, nil
}

func (p *Proxy) poolKey() tlspool.Key {
	return tlspool.Key{ServerName: p.cfg.SNI, Port: p.cfg.Port, ALPN: p.cfg.ALPN}
}

func (p *Proxy) serverAddr() string {
	return net.JoinHostPort(p.cfg.Server, strconv.Itoa(int(p.cfg.Port)))
}

func (p *Proxy) coldHandshake(ctx context.Context) (net.Conn, error) {
	raw, err := p.dialer.DialContext(ctx, "tcp", p.serverAddr())
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: err}
	}
	uconn := utls.UClient(raw, tlspool.UTLSConfig(p.poolKey(), p.cfg.SkipCertVerify), utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &xerr.DialError{Kind: xerr.DialTls, Proxy: p.Name(), Err: err}
	}
	return uconn, nil
}

func (p *Proxy) acquireTLS(ctx context.Context) (net.Conn, error) {
	if p.pool != nil {
		if stream, ok := p.pool.Acquire(p.poolKey()); ok {
			return stream, nil
		}
	}
	return p.coldHandshake(ctx)
}

// header builds [ver=0|uuid(16)|addon_len=0|cmd|socks5-addr].
func (p *Proxy) header(md *metadata.Metadata, cmd byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0) // ver
	idBytes, _ := p.id.MarshalBinary()
	buf.Write(idBytes)
	buf.WriteByte(0) // addon length
	buf.WriteByte(cmd)
	buf.Write(outbound.EncodeSocks5Addr(md))
	return buf.Bytes()
}

func (p *Proxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	conn, err := p.acquireTLS(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(p.header(md, cmdTCP)); err != nil {
		conn.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}
	return &trackedConn{Conn: conn, pool: p.pool, key: p.poolKey()}, nil
}

func (p *Proxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	conn, err := p.acquireTLS(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(p.header(md, cmdUDP)); err != nil {
		conn.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}
	return &udpOverStream{Conn: conn}, nil
}

type trackedConn struct {
	net.Conn
	pool     *tlspool.Pool
	key      tlspool.Key
	readErr  bool
	released bool
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.readErr = true
	}
	return n, err
}

func (c *trackedConn) Close() error {
	if c.released {
		return nil
	}
	c.released = true
	if c.pool != nil && !c.readErr {
		c.pool.Release(c.key, c.Conn)
		return nil
	}
	return c.Conn.Close()
}

type udpOverStream struct {
	net.Conn
}

func (u *udpOverStream) ReadFrom(p []byte) (int, net.Addr, error) {
	n, err := u.Conn.Read(p)
	return n, u.Conn.RemoteAddr(), err
}
func (u *udpOverStream) WriteTo(p []byte, addr net.Addr) (int, error) { return u.Conn.Write(p) }
func (u *udpOverStream) LocalAddr() net.Addr                         { return u.Conn.LocalAddr() }
