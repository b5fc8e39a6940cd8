// Package shadowsocks implements the Shadowsocks outbound (spec.md §4.3):
// AEAD ciphers aes-128-gcm, aes-256-gcm, chacha20-ietf-poly1305, salt per
// connection, HKDF-SHA1 key derivation, per-chunk framing via
// github.com/shadowsocks/go-shadowsocks2's core.Cipher (TCP) and
// core.Cipher.PacketConn (UDP: [salt|nonce|payload|tag] per datagram).
// Grounded on the teacher's proxy/shadowsocks/{shadowsocks,client,udp}.go,
// which wraps the same core.Cipher.
package shadowsocks

import (
	"bytes"
	"context"
	"net"
	"strconv"

	ss2core "github.com/shadowsocks/go-shadowsocks2/core"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

const Name = "shadowsocks"

type Config struct {
	Name     string
	Server   string
	Port     uint16
	Method   string // aes-128-gcm, aes-256-gcm, chacha20-ietf-poly1305
	Password string
}

type Proxy struct {
	outbound.Base
	cfg    Config
	cipher ss2core.Cipher
	dialer net.Dialer
}

func New(cfg Config) (*Proxy, error) {
	cipher, err := ss2core.PickCipher(cfg.Method, nil, cfg.Password)
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: cfg.Name, Err: err}
	}
	return &Proxy{
		Base:   outbound.NewBase(cfg.Name, Name, true),
		cfg:    cfg,
		cipher: cipher,
	}, nil
}

func (p *Proxy) serverAddr() string {
	return net.JoinHostPort(p.cfg.Server, strconv.Itoa(int(p.cfg.Port)))
}

func (p *Proxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	raw, err := p.dialer.DialContext(ctx, "tcp", p.serverAddr())
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: err}
	}
	// cipher.StreamConn wraps raw with per-connection salt + HKDF-SHA1 key
	// derivation and [2-byte length|tag|payload|tag] chunk framing.
	conn := p.cipher.StreamConn(raw)

	header := outbound.EncodeSocks5Addr(md)
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}
	return conn, nil
}

func (p *Proxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	raw, err := net.ListenPacket("udp", "")
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: err}
	}
	server, err := net.ResolveUDPAddr("udp", p.serverAddr())
	if err != nil {
		raw.Close()
		return nil, &xerr.DialError{Kind: xerr.DialDns, Proxy: p.Name(), Err: err}
	}
	// cipher.PacketConn wraps each datagram as [salt|nonce|payload|tag].
	pc := p.cipher.PacketConn(raw)
	return &udpConn{PacketConn: pc, server: server, header: outbound.EncodeSocks5Addr(md)}, nil
}

// udpConn prefixes each outgoing datagram with the SOCKS5-style destination
// address per shadowsocks UDP framing, always talking to the server addr,
// and strips the address prefix from replies.
type udpConn struct {
	net.PacketConn
	server net.Addr
	header []byte
}

func (u *udpConn) WriteTo(payload []byte, _ net.Addr) (int, error) {
	buf := make([]byte, 0, len(u.header)+len(payload))
	buf = append(buf, u.header...)
	buf = append(buf, payload...)
	n, err := u.PacketConn.WriteTo(buf, u.server)
	if n > len(payload) {
		n = len(payload)
	}
	return n, err
}

func (u *udpConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := u.PacketConn.ReadFrom(b)
	if err != nil {
		return n, addr, err
	}
	// Reply datagrams carry [socks5-addr|payload]; drop the address so the
	// relay sees the bare payload.
	br := bytes.NewReader(b[:n])
	if _, _, _, derr := outbound.DecodeSocks5Addr(br); derr == nil {
		off := n - br.Len()
		copy(b, b[off:n])
		n -= off
	}
	return n, addr, nil
}
