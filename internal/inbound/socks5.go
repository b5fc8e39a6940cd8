package inbound

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"go.uber.org/zap"
)

const (
	socks5Ver = 0x05

	authNone     = 0x00
	authUserPass = 0x02
	authNoAccept = 0xFF

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03

	repSucceeded     = 0x00
	repGeneralFail   = 0x01
	repCmdNotSupport = 0x07
)

// SOCKS5Listener implements RFC 1928 CONNECT and UDP ASSOCIATE plus RFC 1929
// username/password negotiation (spec.md §6).
type SOCKS5Listener struct {
	Addr    string
	Auth    AuthFunc
	Handler Handler

	ln net.Listener
}

func NewSOCKS5Listener(addr string, auth AuthFunc, h Handler) *SOCKS5Listener {
	return &SOCKS5Listener{Addr: addr, Auth: auth, Handler: h}
}

// Listen binds the port without starting the accept loop, so startup can
// fail fast on a bind error (spec.md §6 exit code 2).
func (l *SOCKS5Listener) Listen() error {
	ln, err := listenTCP(l.Addr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

func (l *SOCKS5Listener) Serve(ctx context.Context) error {
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
			if ce := logx.CanLogWarn("socks5 inbound accept error"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

func (l *SOCKS5Listener) Close() error {
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

// LocalAddr reports the bound address; valid after Listen.
func (l *SOCKS5Listener) LocalAddr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *SOCKS5Listener) serveConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := l.negotiate(conn); err != nil {
		conn.Close()
		return
	}

	cmd, host, ip, port, err := readSocks5Request(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return
	}

	switch cmd {
	case cmdConnect:
		writeSocks5Reply(conn, repSucceeded)
		md := &metadata.Metadata{
			Network:     metadata.NetworkTCP,
			InboundKind: metadata.InboundSocks5,
			SourceAddr:  conn.RemoteAddr(),
			DestHost:    host,
			DestIP:      ip,
			DestPort:    port,
		}
		l.Handler(ctx, conn, md)
	case cmdUDPAssociate:
		l.serveUDPAssociate(ctx, conn)
	default:
		writeSocks5Reply(conn, repCmdNotSupport)
		conn.Close()
	}
}

// negotiate performs the method-selection and, if required, RFC 1929
// username/password sub-negotiation.
func (l *SOCKS5Listener) negotiate(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := readFullN(conn, hdr); err != nil {
		return err
	}
	nmethods := int(hdr[1])
	methods := make([]byte, nmethods)
	if _, err := readFullN(conn, methods); err != nil {
		return err
	}

	wantAuth := l.Auth != nil
	chosen := byte(authNoAccept)
	for _, m := range methods {
		if wantAuth && m == authUserPass {
			chosen = authUserPass
			break
		}
		if !wantAuth && m == authNone {
			chosen = authNone
			break
		}
	}
	if _, err := conn.Write([]byte{socks5Ver, chosen}); err != nil {
		return err
	}
	if chosen == authNoAccept {
		return errNoAcceptableAuth
	}
	if chosen == authNone {
		return nil
	}

	sub := make([]byte, 2)
	if _, err := readFullN(conn, sub); err != nil {
		return err
	}
	ulen := int(sub[1])
	user := make([]byte, ulen)
	if _, err := readFullN(conn, user); err != nil {
		return err
	}
	plenB := make([]byte, 1)
	if _, err := readFullN(conn, plenB); err != nil {
		return err
	}
	pass := make([]byte, int(plenB[0]))
	if _, err := readFullN(conn, pass); err != nil {
		return err
	}
	ok := l.Auth(string(user), string(pass))
	status := byte(0x00)
	if !ok {
		status = 0x01
	}
	if _, err := conn.Write([]byte{0x01, status}); err != nil {
		return err
	}
	if !ok {
		return errAuthFailed
	}
	return nil
}

// serveUDPAssociate opens a local UDP socket the client sends datagrams to
// using the wire framing in RFC 1928 §7, and relays each to the tunnel
// through outbound.DecodeSocks5Addr (spec.md §6, §4.6 FakeIP interplay:
// DNS-over-UDP-associate is how FakeIP answers normally get dialed out).
func (l *SOCKS5Listener) serveUDPAssociate(ctx context.Context, tcpConn net.Conn) {
	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		writeSocks5Reply(tcpConn, repGeneralFail)
		tcpConn.Close()
		return
	}
	local := udpLn.LocalAddr().(*net.UDPAddr)
	writeSocks5BoundReply(tcpConn, local)

	go func() {
		// The TCP control connection stays open for the association's
		// lifetime; its close tears down the UDP socket (RFC 1928 §7).
		buf := make([]byte, 1)
		tcpConn.Read(buf)
		udpLn.Close()
	}()

	buf := make([]byte, 64*1024)
	var clientAddr net.Addr
	for {
		n, addr, err := udpLn.ReadFrom(buf)
		if err != nil {
			return
		}
		if clientAddr == nil {
			clientAddr = addr
		}
		if n < 4 || buf[2] != 0 {
			continue // fragmentation (FRAG != 0) unsupported, datagram dropped
		}
		addrBytes := buf[3:n]
		br := bytes.NewReader(addrBytes)
		host, ip, port, derr := outbound.DecodeSocks5Addr(br)
		if derr != nil {
			continue
		}
		destHeader := append([]byte(nil), addrBytes[:len(addrBytes)-br.Len()]...)
		payload := make([]byte, br.Len())
		br.Read(payload)

		md := &metadata.Metadata{
			Network:     metadata.NetworkUDP,
			InboundKind: metadata.InboundSocks5,
			SourceAddr:  clientAddr,
			DestHost:    host,
			DestIP:      ip,
			DestPort:    port,
		}
		sess := newUDPAssociateSession(udpLn, clientAddr, destHeader, payload)
		l.Handler(ctx, sess, md)
	}
}

var errNoAcceptableAuth = &socksErr{"no acceptable socks5 auth method"}
var errAuthFailed = &socksErr{"socks5 username/password auth failed"}

type socksErr struct{ msg string }

func (e *socksErr) Error() string { return e.msg }

func readFullN(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readSocks5Request(conn net.Conn) (cmd byte, host string, ip net.IP, port uint16, err error) {
	hdr := make([]byte, 3)
	if _, err = readFullN(conn, hdr); err != nil {
		return
	}
	cmd = hdr[1]
	h, i, p, derr := outbound.DecodeSocks5Addr(&connByteReader{conn})
	if derr != nil {
		err = derr
		return
	}
	host, ip, port = h, i, p
	return
}

type connByteReader struct{ net.Conn }

func (c *connByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := readFullN(c.Conn, b[:])
	return b[0], err
}

func writeSocks5Reply(conn net.Conn, rep byte) {
	conn.Write([]byte{socks5Ver, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
}

func writeSocks5BoundReply(conn net.Conn, addr *net.UDPAddr) {
	out := []byte{socks5Ver, repSucceeded, 0x00, 0x01}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	out = append(out, ip4...)
	out = append(out, byte(addr.Port>>8), byte(addr.Port))
	conn.Write(out)
}

// udpAssociateSession adapts one client datagram into a net.Conn the
// tunnel's relay loop can treat like any other connection: Read yields the
// datagram payload once (EOF after), Write sends the reply back to the
// client wrapped in the RFC 1928 §7 UDP request header so the client can
// match it to the original destination.
type udpAssociateSession struct {
	ln           *net.UDPConn
	clientAddr   net.Addr
	destHeader   []byte
	firstPayload []byte

	mu   sync.Mutex
	read bool
}

func newUDPAssociateSession(ln *net.UDPConn, clientAddr net.Addr, destHeader, payload []byte) *udpAssociateSession {
	return &udpAssociateSession{ln: ln, clientAddr: clientAddr, destHeader: destHeader, firstPayload: payload}
}

func (s *udpAssociateSession) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.read {
		return 0, io.EOF
	}
	s.read = true
	return copy(b, s.firstPayload), nil
}

func (s *udpAssociateSession) Write(b []byte) (int, error) {
	out := make([]byte, 0, 3+len(s.destHeader)+len(b))
	out = append(out, 0x00, 0x00, 0x00) // RSV RSV FRAG
	out = append(out, s.destHeader...)
	out = append(out, b...)
	n, err := s.ln.WriteTo(out, s.clientAddr)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

func (s *udpAssociateSession) Close() error                       { return nil }
func (s *udpAssociateSession) LocalAddr() net.Addr                { return s.ln.LocalAddr() }
func (s *udpAssociateSession) RemoteAddr() net.Addr                { return s.clientAddr }
func (s *udpAssociateSession) SetDeadline(t time.Time) error      { return nil }
func (s *udpAssociateSession) SetReadDeadline(t time.Time) error  { return nil }
func (s *udpAssociateSession) SetWriteDeadline(t time.Time) error { return nil }
