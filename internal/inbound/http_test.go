package inbound

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

func startHTTP(t *testing.T, auth AuthFunc, h Handler) (net.Addr, context.CancelFunc) {
	t.Helper()
	l := NewHTTPListener("127.0.0.1:0", auth, h)
	if err := l.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go l.Serve(ctx)
	return l.LocalAddr(), cancel
}

// dialNotifier mirrors the tunnel-side interface so test handlers can
// report the dial outcome the way the real pipeline does.
type dialNotifier interface {
	DialReady()
	DialFailed(err error)
}

func reportReady(conn net.Conn) {
	if n, ok := conn.(dialNotifier); ok {
		n.DialReady()
	}
}

func TestConnectTunnel(t *testing.T) {
	mdCh := make(chan *metadata.Metadata, 1)
	addr, cancel := startHTTP(t, nil, func(ctx context.Context, conn net.Conn, md *metadata.Metadata) {
		reportReady(conn)
		mdCh <- md
		conn.Close()
	})
	defer cancel()

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprintf(c, "CONNECT origin.example:8443 HTTP/1.1\r\nHost: origin.example:8443\r\n\r\n")
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil || !strings.Contains(line, "200") {
		t.Fatalf("CONNECT reply: %q %v", line, err)
	}

	select {
	case md := <-mdCh:
		if md.DestHost != "origin.example" || md.DestPort != 8443 {
			t.Errorf("metadata: %+v", md)
		}
		if md.InboundKind != metadata.InboundHTTPConnect {
			t.Errorf("kind = %q", md.InboundKind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the tunnel")
	}
}

func TestAbsoluteFormReplaysRequest(t *testing.T) {
	bodyCh := make(chan string, 1)
	addr, cancel := startHTTP(t, nil, func(ctx context.Context, conn net.Conn, md *metadata.Metadata) {
		// the handler sees the replayed request bytes as the stream's prefix
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			bodyCh <- "readrequest error: " + err.Error()
			conn.Close()
			return
		}
		bodyCh <- req.Method + " " + req.URL.Path + " host=" + req.Host
		conn.Close()
	})
	defer cancel()

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fmt.Fprintf(c, "GET http://origin.example/path/x HTTP/1.1\r\nHost: origin.example\r\nProxy-Connection: keep-alive\r\n\r\n")

	select {
	case got := <-bodyCh:
		if got != "GET /path/x host=origin.example" {
			t.Errorf("replayed request: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the request")
	}
}

func TestProxyAuthRequired(t *testing.T) {
	auth := func(u, p string) bool { return u == "user" && p == "secret" }
	addr, cancel := startHTTP(t, auth, func(ctx context.Context, conn net.Conn, md *metadata.Metadata) {
		reportReady(conn)
		conn.Close()
	})
	defer cancel()

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(c, "CONNECT x.example:443 HTTP/1.1\r\nHost: x.example:443\r\n\r\n")
	line, _ := bufio.NewReader(c).ReadString('\n')
	c.Close()
	if !strings.Contains(line, "407") {
		t.Fatalf("missing credentials must get 407, got %q", line)
	}

	c2, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	cred := base64.StdEncoding.EncodeToString([]byte("user:secret"))
	fmt.Fprintf(c2, "CONNECT x.example:443 HTTP/1.1\r\nHost: x.example:443\r\nProxy-Authorization: Basic %s\r\n\r\n", cred)
	line2, _ := bufio.NewReader(c2).ReadString('\n')
	if !strings.Contains(line2, "200") {
		t.Fatalf("valid credentials must get 200, got %q", line2)
	}
}

func TestConnectDialFailureStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"dial error", &xerr.DialError{Kind: xerr.DialTcp, Proxy: "p", Err: errors.New("refused")}, "502"},
		{"dial timeout", &xerr.DialError{Kind: xerr.DialTimeout, Proxy: "p", Err: errors.New("deadline")}, "504"},
		{"context deadline", context.DeadlineExceeded, "504"},
	}
	for _, tc := range cases {
		failErr := tc.err
		addr, cancel := startHTTP(t, nil, func(ctx context.Context, conn net.Conn, md *metadata.Metadata) {
			if n, ok := conn.(dialNotifier); ok {
				n.DialFailed(failErr)
			}
			conn.Close()
		})

		c, err := net.Dial("tcp", addr.String())
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(c, "CONNECT down.example:443 HTTP/1.1\r\nHost: down.example:443\r\n\r\n")
		line, _ := bufio.NewReader(c).ReadString('\n')
		if !strings.Contains(line, tc.want) {
			t.Errorf("%s: got %q, want status %s", tc.name, line, tc.want)
		}
		c.Close()
		cancel()
	}
}

func TestMixedSniffsSocksAndHTTP(t *testing.T) {
	mdCh := make(chan *metadata.Metadata, 2)
	l := NewMixedListener("127.0.0.1:0", nil, func(ctx context.Context, conn net.Conn, md *metadata.Metadata) {
		reportReady(conn)
		mdCh <- md
		conn.Close()
	})
	if err := l.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)
	addr := l.LocalAddr().String()

	// SOCKS5 side
	sc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	sc.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(sc, make([]byte, 2))
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("s.example"))}
	req = append(req, []byte("s.example")...)
	req = append(req, 0x00, 0x50)
	sc.Write(req)
	io.ReadFull(sc, make([]byte, 10))
	select {
	case md := <-mdCh:
		if md.DestHost != "s.example" {
			t.Errorf("socks5 path metadata: %+v", md)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("socks5 path never reached the handler")
	}
	sc.Close()

	// HTTP side on the same port
	hc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer hc.Close()
	fmt.Fprintf(hc, "CONNECT h.example:443 HTTP/1.1\r\nHost: h.example:443\r\n\r\n")
	bufio.NewReader(hc).ReadString('\n')
	select {
	case md := <-mdCh:
		if md.DestHost != "h.example" {
			t.Errorf("http path metadata: %+v", md)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("http path never reached the handler")
	}
}
