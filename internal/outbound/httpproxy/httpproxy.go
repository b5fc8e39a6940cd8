// Package httpproxy implements the HTTP outbound (spec.md §4.3): a
// standard CONNECT client over plain or TLS transport. Grounded on the
// teacher's proxy/http/{server,utils}.go request-line conventions, mirrored
// client-side.
package httpproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

const Name = "http"

type Config struct {
	Name     string
	Server   string
	Port     uint16
	Username string
	Password string
	TLS      bool
	SNI      string
}

type Proxy struct {
	outbound.Base
	cfg    Config
	dialer net.Dialer
}

func New(cfg Config) *Proxy {
	return &Proxy{Base: outbound.NewBase(cfg.Name, Name, false), cfg: cfg}
}

func (p *Proxy) serverAddr() string {
	return net.JoinHostPort(p.cfg.Server, strconv.Itoa(int(p.cfg.Port)))
}

func (p *Proxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	raw, err := p.dialer.DialContext(ctx, "tcp", p.serverAddr())
	if err != nil {
		return nil, &xerr.DialError{Kind: xerr.DialTcp, Proxy: p.Name(), Err: err}
	}

	var conn net.Conn = raw
	if p.cfg.TLS {
		tconn := tls.Client(raw, &tls.Config{ServerName: p.cfg.SNI})
		if err := tconn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, &xerr.DialError{Kind: xerr.DialTls, Proxy: p.Name(), Err: err}
		}
		conn = tconn
	}

	target := md.RemoteAddress()
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if p.cfg.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(p.cfg.Username + ":" + p.cfg.Password))
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err != nil {
		conn.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: err}
	}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		conn.Close()
		return nil, &xerr.DialError{Kind: xerr.DialAuth, Proxy: p.Name(), Err: xerr.ErrInErr{ErrDesc: "proxy auth required"}}
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: xerr.ErrInErr{ErrDesc: "CONNECT failed", Data: resp.Status}}
	}
	return conn, nil
}

// DialUDP: HTTP CONNECT has no UDP semantics (spec.md §4.3 leaves non-SS/
// Direct UDP outbound optional).
func (p *Proxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	return nil, &xerr.DialError{Kind: xerr.DialProtocol, Proxy: p.Name(), Err: xerr.ErrInErr{ErrDesc: "http outbound has no UDP support"}}
}
