// Package socks5 implements the SOCKS5 outbound (spec.md §4.3): a standard
// RFC 1928/1929 client over plain TCP; it has no TLS transport option and no
// UDP support. Grounded on the
// teacher's proxy/socks5/client.go handshake sequence.
package socks5

import (
	"context"
	"net"
	"strconv"

	"golang.org/x/net/proxy"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

const Name = "socks5"

type Config struct {
	Name     string
	Server   string
	Port     uint16
	Username string
	Password string
}

type Proxy struct {
	outbound.Base
	cfg    Config
	dialer proxy.Dialer
}

func New(cfg Config) *Proxy {
	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}
	addr := net.JoinHostPort(cfg.Server, strconv.Itoa(int(cfg.Port)))
	d, _ := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	return &Proxy{Base: outbound.NewBase(cfg.Name, Name, false), cfg: cfg, dialer: d}
}

func (p *Proxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	cd, ok := p.dialer.(proxy.ContextDialer)
	var conn net.Conn
	var err error
	if ok {
		conn, err = cd.DialContext(ctx, "tcp", md.RemoteAddress())
	} else {
		conn, err = p.dialer.Dial("tcp", md.RemoteAddress())
	}
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}
	return conn, nil
}

// DialUDP: UDP-ASSOCIATE client support is out of spec.md's optional-UDP
// scope beyond Shadowsocks/Direct.
func (p *Proxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: xerr.ErrInErr{ErrDesc: "socks5 outbound has no UDP support"}}
}
