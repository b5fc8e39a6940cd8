package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/clashcore/internal/group"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/registry"
	"github.com/e1732a364fed/clashcore/internal/rule"
)

// echoServer accepts one connection and echoes everything back.
func echoServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return ln.Addr()
}

type tcpProxy struct {
	outbound.Base
	target net.Addr
}

func (p *tcpProxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", p.target.String())
}

func (p *tcpProxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	return net.ListenPacket("udp", "127.0.0.1:0")
}

func newTestTunnel(t *testing.T, target net.Addr, rules []rule.Rule, mode string) (*Tunnel, *registry.Registry) {
	t.Helper()
	eng, err := rule.New(rules, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	direct := &tcpProxy{Base: outbound.NewBase("DIRECT", "direct", true), target: target}
	snap := &Snapshot{
		Rules:   eng,
		Proxies: outbound.NewRegistry([]outbound.Proxy{direct}),
		Groups:  map[string]group.Group{},
		Mode:    mode,
	}
	reg := registry.New()
	return New(func() *Snapshot { return snap }, nil, reg), reg
}

func TestHandleRelaysAndAccounts(t *testing.T) {
	target := echoServer(t)
	tn, reg := newTestTunnel(t, target, nil, "rule")

	client, server := net.Pipe()
	md := &metadata.Metadata{
		Network:    metadata.NetworkTCP,
		SourceAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1234},
		DestHost:   "echo.example",
		DestPort:   80,
	}

	done := make(chan struct{})
	go func() {
		tn.Handle(context.Background(), server, md)
		close(done)
	}()

	payload := []byte("ping through the pipeline")
	if _, err := client.Write(payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echo mismatch: %q", got)
	}

	if reg.Count() != 1 {
		t.Errorf("one record must exist during transfer, got %d", reg.Count())
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after close")
	}

	if reg.Count() != 0 {
		t.Errorf("registry must be empty after close, got %d", reg.Count())
	}
	n := int64(len(payload))
	if reg.TotalUp() != n || reg.TotalDown() != n {
		t.Errorf("totals = %d/%d, want %d/%d", reg.TotalUp(), reg.TotalDown(), n, n)
	}
}

func TestHandleUnknownTargetCloses(t *testing.T) {
	target := echoServer(t)
	tn, reg := newTestTunnel(t, target, []rule.Rule{{Kind: rule.KindMatch, Target: "NOWHERE"}}, "rule")

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		tn.Handle(context.Background(), server, &metadata.Metadata{
			Network:    metadata.NetworkTCP,
			SourceAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1},
			DestHost:   "x.example",
			DestPort:   80,
		})
		close(done)
	}()

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Error("connection to a missing outbound must be closed")
	}
	<-done
	if reg.Count() != 0 {
		t.Error("no record should survive a failed lookup")
	}
}

func TestKillEndsInflightConnection(t *testing.T) {
	// server that writes slowly forever so the relay stays busy
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		for {
			if _, err := c.Write([]byte("tick")); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	tn, reg := newTestTunnel(t, ln.Addr(), nil, "rule")
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		tn.Handle(context.Background(), server, &metadata.Metadata{
			Network:    metadata.NetworkTCP,
			SourceAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2},
			DestHost:   "slow.example",
			DestPort:   80,
		})
		close(done)
	}()

	// drain in the background so the relay keeps moving
	go io.Copy(io.Discard, client)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never enrolled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, snap := range reg.Snapshot() {
		reg.Kill(snap.ID)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("kill must end the connection within the grace bound")
	}
	if reg.Count() != 0 {
		t.Error("killed connection must leave the snapshot")
	}
}

func TestEmptyGroupAndUnknownNameFailResolution(t *testing.T) {
	target := echoServer(t)
	tn, _ := newTestTunnel(t, target, nil, "rule")

	snap := tn.snapshot()
	a := group.NewSelector("A", nil, "")
	snap.Groups["A"] = a

	// Selector with no members errors out rather than spinning
	if _, _, err := tn.resolveOutbound(snap, "A"); err == nil {
		t.Fatal("empty group must fail resolution")
	}

	if _, _, err := tn.resolveOutbound(snap, "missing"); err == nil {
		t.Fatal("unknown name must fail resolution")
	}
}

func TestDirectModeBypassesRules(t *testing.T) {
	target := echoServer(t)
	// rule says everything goes to a nonexistent outbound; direct mode must
	// ignore it and still work through DIRECT
	tn, reg := newTestTunnel(t, target, []rule.Rule{{Kind: rule.KindMatch, Target: "NOWHERE"}}, "direct")

	client, server := net.Pipe()
	go tn.Handle(context.Background(), server, &metadata.Metadata{
		Network:    metadata.NetworkTCP,
		SourceAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3},
		DestHost:   "any.example",
		DestPort:   80,
	})

	client.Write([]byte("hi"))
	buf := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("direct mode relay failed: %v", err)
	}
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
