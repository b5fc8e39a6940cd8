// Package inbound implements the listener front-ends (spec.md §6): HTTP
// proxy (absolute-form requests), HTTP CONNECT, SOCKS5, and Mixed (byte-0
// sniff between the two). Grounded on the teacher's netLayer/listen.go
// accept loop shape and httpLayer/http.go's request parsing, generalized
// from verysimple's single fixed inbound protocol into a per-listener
// Handler callback that feeds internal/tunnel.
package inbound

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/xerr"
	"go.uber.org/zap"
)

// Handler is what every listener feeds a decoded connection to; wired to
// Tunnel.Handle in cmd/clashcore.
type Handler func(ctx context.Context, conn net.Conn, md *metadata.Metadata)

// AuthFunc validates a username/password pair from Proxy-Authorization or
// SOCKS5 username/password negotiation (spec.md §6 "allow-lan" + per-user
// auth). A nil AuthFunc means no-auth.
type AuthFunc func(user, pass string) bool

// HTTPListener serves both absolute-form HTTP proxy requests and CONNECT
// tunnels on one net.Listener (spec.md §6).
type HTTPListener struct {
	Addr    string
	Auth    AuthFunc
	Handler Handler

	ln net.Listener
}

func NewHTTPListener(addr string, auth AuthFunc, h Handler) *HTTPListener {
	return &HTTPListener{Addr: addr, Auth: auth, Handler: h}
}

// Listen binds the port without starting the accept loop, so startup can
// fail fast on a bind error (spec.md §6 exit code 2).
func (l *HTTPListener) Listen() error {
	ln, err := listenTCP(l.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

func (l *HTTPListener) Serve(ctx context.Context) error {
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
			if ce := logx.CanLogWarn("http inbound accept error"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *HTTPListener) Close() error {
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// LocalAddr reports the bound address; valid after Listen.
func (l *HTTPListener) LocalAddr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// serveConn implements spec.md §6: absolute-form requests are relayed as a
// single request/response exchange handed straight to the tunnel (the
// tunnel's relay loop carries the raw bytes after the header is replayed);
// CONNECT opens a raw tunnel and responds 200 before relaying.
func (l *HTTPListener) serveConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return
	}

	if l.Auth != nil && !l.checkAuth(req) {
		writeStatusLine(conn, 407, "Proxy Authentication Required")
		conn.Close()
		return
	}

	if req.Method == http.MethodConnect {
		l.handleConnect(ctx, conn, req)
		return
	}
	l.handleAbsoluteForm(ctx, conn, br, req)
}

func (l *HTTPListener) checkAuth(req *http.Request) bool {
	h := req.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return false
	}
	return l.Auth(parts[0], parts[1])
}

// handleConnect defers the status line until the tunnel's dial settles: the
// wrapped conn writes "200 Connection Established" only once the outbound
// stream is ready, 502 on dial failure, 504 on dial timeout (spec.md §6).
func (l *HTTPListener) handleConnect(ctx context.Context, conn net.Conn, req *http.Request) {
	host, port, ok := splitHostPortDefault(req.URL.Host, 443)
	if !ok {
		writeStatusLine(conn, 502, "Bad Gateway")
		conn.Close()
		return
	}
	md := &metadata.Metadata{
		Network:     metadata.NetworkTCP,
		InboundKind: metadata.InboundHTTPConnect,
		SourceAddr:  conn.RemoteAddr(),
		DestHost:    host,
		DestPort:    port,
	}
	l.Handler(ctx, &connectConn{Conn: conn}, md)
}

// connectConn holds the CONNECT reply back until the tunnel reports the
// dial outcome (it satisfies the tunnel's DialNotifier by method set).
type connectConn struct {
	net.Conn
	replied bool
}

func (c *connectConn) DialReady() {
	if c.replied {
		return
	}
	c.replied = true
	fmt.Fprintf(c.Conn, "HTTP/1.1 200 Connection Established\r\n\r\n")
}

func (c *connectConn) DialFailed(err error) {
	if c.replied {
		return
	}
	c.replied = true
	if isTimeout(err) {
		writeStatusLine(c.Conn, 504, "Gateway Timeout")
		return
	}
	writeStatusLine(c.Conn, 502, "Bad Gateway")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var derr *xerr.DialError
	if errors.As(err, &derr) && derr.Kind == xerr.DialTimeout {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// handleAbsoluteForm implements spec.md §6: the client sends a complete
// absolute-form request line and the listener proxies it as a plain TCP
// tunnel to origin:80 (or req.URL.Port()), replaying the already-consumed
// header bytes first so the tunnel's relay carries them through untouched.
func (l *HTTPListener) handleAbsoluteForm(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	host, port, ok := splitHostPortDefault(req.URL.Host, 80)
	if !ok {
		writeStatusLine(conn, 502, "Bad Gateway")
		conn.Close()
		return
	}
	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("%s %s %s\r\n", req.Method, req.URL.RequestURI(), req.Proto))
	// net/http moves Host out of req.Header into req.Host; write it back.
	buf.WriteString(fmt.Sprintf("Host: %s\r\n", req.Host))
	req.Header.Write(&buf)
	buf.WriteString("\r\n")

	md := &metadata.Metadata{
		Network:     metadata.NetworkTCP,
		InboundKind: metadata.InboundHTTP,
		SourceAddr:  conn.RemoteAddr(),
		DestHost:    host,
		DestPort:    port,
	}
	l.Handler(ctx, &prefixedConn{Conn: conn, replay: buf.Bytes(), pending: br}, md)
}

func writeStatusLine(w net.Conn, code int, text string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", code, text)
}

func splitHostPortDefault(hostport string, defaultPort uint16) (string, uint16, bool) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort, hostport != ""
	}
	var p int
	for _, c := range portStr {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		p = p*10 + int(c-'0')
	}
	return host, uint16(p), true
}

// prefixedConn replays the request line + headers the listener already
// consumed from br before any further Reads reach the underlying conn, so
// the tunnel's outbound write carries the full original request.
type prefixedConn struct {
	net.Conn
	replay  []byte
	pending *bufio.Reader
}

func (c *prefixedConn) Read(b []byte) (int, error) {
	if len(c.replay) > 0 {
		n := copy(b, c.replay)
		c.replay = c.replay[n:]
		return n, nil
	}
	if c.pending.Buffered() > 0 {
		return c.pending.Read(b)
	}
	return c.Conn.Read(b)
}
