package inbound

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/clashcore/internal/metadata"
)

// startSocks5 runs a listener on a random port and returns its address and
// a channel receiving the decoded metadata of each accepted connection.
func startSocks5(t *testing.T, auth AuthFunc) (net.Addr, chan *metadata.Metadata, context.CancelFunc) {
	t.Helper()
	mdCh := make(chan *metadata.Metadata, 1)
	h := func(ctx context.Context, conn net.Conn, md *metadata.Metadata) {
		mdCh <- md
		conn.Close()
	}
	l := NewSOCKS5Listener("127.0.0.1:0", auth, h)
	if err := l.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go l.Serve(ctx)
	return l.LocalAddr(), mdCh, cancel
}

func TestSocks5ConnectDomain(t *testing.T) {
	addr, mdCh, cancel := startSocks5(t, nil)
	defer cancel()

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// greeting: ver=5, one method, no-auth
	c.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	if _, err := c.Read(resp); err != nil || resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("method selection reply: %v %v", resp, err)
	}

	// request: CONNECT example.com:443
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len("example.com"))}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x01, 0xBB)
	c.Write(req)

	reply := make([]byte, 10)
	if _, err := c.Read(reply); err != nil || reply[1] != 0x00 {
		t.Fatalf("connect reply: %v %v", reply, err)
	}

	select {
	case md := <-mdCh:
		if md.DestHost != "example.com" || md.DestPort != 443 || md.Network != metadata.NetworkTCP {
			t.Errorf("decoded metadata: %+v", md)
		}
		if md.InboundKind != metadata.InboundSocks5 {
			t.Errorf("inbound kind = %q", md.InboundKind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the connection")
	}
}

func TestSocks5UserPassAuth(t *testing.T) {
	auth := func(user, pass string) bool { return user == "u" && pass == "p" }
	addr, mdCh, cancel := startSocks5(t, auth)
	defer cancel()

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Write([]byte{0x05, 0x02, 0x00, 0x02})
	sel := make([]byte, 2)
	if _, err := c.Read(sel); err != nil || sel[1] != 0x02 {
		t.Fatalf("expected user/pass method, got %v %v", sel, err)
	}

	// RFC 1929 sub-negotiation
	c.Write([]byte{0x01, 0x01, 'u', 0x01, 'p'})
	st := make([]byte, 2)
	if _, err := c.Read(st); err != nil || st[1] != 0x00 {
		t.Fatalf("auth status: %v %v", st, err)
	}

	c.Write([]byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50})
	reply := make([]byte, 10)
	if _, err := c.Read(reply); err != nil || reply[1] != 0x00 {
		t.Fatalf("connect reply: %v %v", reply, err)
	}

	select {
	case md := <-mdCh:
		if md.DestIP == nil || !md.DestIP.Equal(net.IPv4(1, 2, 3, 4)) || md.DestPort != 80 {
			t.Errorf("decoded metadata: %+v", md)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the connection")
	}
}

func TestSocks5AuthRejected(t *testing.T) {
	auth := func(user, pass string) bool { return false }
	addr, _, cancel := startSocks5(t, auth)
	defer cancel()

	c, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Write([]byte{0x05, 0x01, 0x02})
	sel := make([]byte, 2)
	c.Read(sel)
	c.Write([]byte{0x01, 0x01, 'x', 0x01, 'y'})
	st := make([]byte, 2)
	if _, err := c.Read(st); err != nil || st[1] == 0x00 {
		t.Fatalf("bad credentials must be refused: %v %v", st, err)
	}
}
