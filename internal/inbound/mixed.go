package inbound

import (
	"bufio"
	"context"
	"net"

	"github.com/e1732a364fed/clashcore/internal/logx"
	"go.uber.org/zap"
)

// MixedListener sniffs the first byte of a new connection to tell a SOCKS5
// client hello (0x05) apart from an HTTP request line, then dispatches to
// the matching decoder (spec.md §6 "Mixed"). It reuses HTTPListener's and
// SOCKS5Listener's per-connection logic rather than duplicating it.
type MixedListener struct {
	Addr    string
	Auth    AuthFunc
	Handler Handler

	ln   net.Listener
	http *HTTPListener
	sock *SOCKS5Listener
}

func NewMixedListener(addr string, auth AuthFunc, h Handler) *MixedListener {
	return &MixedListener{
		Addr:    addr,
		Auth:    auth,
		Handler: h,
		http:    &HTTPListener{Addr: addr, Auth: auth, Handler: h},
		sock:    &SOCKS5Listener{Addr: addr, Auth: auth, Handler: h},
	}
}

// Listen binds the port without starting the accept loop, so startup can
// fail fast on a bind error (spec.md §6 exit code 2).
func (l *MixedListener) Listen() error {
	ln, err := listenTCP(l.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

func (l *MixedListener) Serve(ctx context.Context) error {
	if l.ln == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	ln := l.ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ce := logx.CanLogWarn("mixed inbound accept error"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *MixedListener) Close() error {
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// LocalAddr reports the bound address; valid after Listen.
func (l *MixedListener) LocalAddr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *MixedListener) serveConn(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}
	peeked := &peekedConn{Conn: conn, br: br}
	if first[0] == socks5Ver {
		l.sock.serveConn(ctx, peeked)
		return
	}
	l.http.serveConn(ctx, peeked)
}

// peekedConn replays bufio.Reader's look-ahead buffer transparently so the
// delegated listener's own bufio.NewReader(conn) (HTTP) or raw Read calls
// (SOCKS5) see exactly the bytes that arrived on the wire.
type peekedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) { return c.br.Read(b) }
