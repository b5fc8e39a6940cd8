package group

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
)

type fakeProxy struct {
	outbound.Base
	dialErr error
	dials   int
}

func newFakeProxy(name string) *fakeProxy {
	return &fakeProxy{Base: outbound.NewBase(name, "fake", true)}
}

func (f *fakeProxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c, s := net.Pipe()
	go s.Close()
	return c, nil
}

func (f *fakeProxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	return nil, errors.New("no udp in fake")
}

func members(names ...string) ([]outbound.Proxy, []*fakeProxy) {
	out := make([]outbound.Proxy, 0, len(names))
	fakes := make([]*fakeProxy, 0, len(names))
	for _, n := range names {
		f := newFakeProxy(n)
		out = append(out, f)
		fakes = append(fakes, f)
	}
	return out, fakes
}

func TestSelectorDefaultsToFirstMember(t *testing.T) {
	ms, _ := members("a", "b", "c")
	s := NewSelector("pick", ms, "")
	cur, err := s.Now(nil)
	if err != nil || cur.Name() != "a" {
		t.Fatalf("Now = %v, %v", cur, err)
	}
}

func TestSelectorSetCurrent(t *testing.T) {
	ms, _ := members("a", "b")
	s := NewSelector("pick", ms, "")
	if !s.SetCurrent("b") {
		t.Fatal("SetCurrent to a member must succeed")
	}
	if cur, _ := s.Now(nil); cur.Name() != "b" {
		t.Error("selection did not stick")
	}
	if s.SetCurrent("nope") {
		t.Error("SetCurrent to a non-member must fail")
	}
	if cur, _ := s.Now(nil); cur.Name() != "b" {
		t.Error("failed SetCurrent must not change the selection")
	}
}

func TestURLTestNoAliveMember(t *testing.T) {
	ms, fakes := members("a", "b")
	for _, f := range fakes {
		f.SetAlive(false)
	}
	u := NewURLTest("auto", ms, "http://test/", time.Hour)
	if _, err := u.Now(nil); err == nil {
		t.Fatal("zero alive members must report no_alive_member")
	}
	if _, err := u.DialTCP(context.Background(), &metadata.Metadata{}); err == nil {
		t.Fatal("dial with zero alive members must fail")
	}
	if u.Alive() {
		t.Error("group with no alive members must report not alive")
	}
}

func TestURLTestPicksLowestDelay(t *testing.T) {
	ms, _ := members("slow", "fast", "medium")
	u := NewURLTest("auto", ms, "http://test/", time.Hour)
	delays := map[string]time.Duration{"slow": 300 * time.Millisecond, "fast": 20 * time.Millisecond, "medium": 80 * time.Millisecond}
	u.Delayer = func(ctx context.Context, p outbound.Proxy, testURL string) (time.Duration, error) {
		return delays[p.Name()], nil
	}
	u.testAll(context.Background())
	cur, err := u.Now(nil)
	if err != nil || cur.Name() != "fast" {
		t.Fatalf("current = %v, %v; want fast", cur, err)
	}
	if cur.LastDelayMS() != 20 {
		t.Errorf("delay not recorded: %d", cur.LastDelayMS())
	}
}

func TestURLTestExpediteOnDialError(t *testing.T) {
	ms, fakes := members("only")
	fakes[0].dialErr = errors.New("boom")
	u := NewURLTest("auto", ms, "http://test/", time.Hour)
	u.DialTCP(context.Background(), &metadata.Metadata{})
	select {
	case <-u.expedite:
	default:
		t.Error("dial error must expedite the next test")
	}
}

func TestFallbackPrefersFirstAlive(t *testing.T) {
	ms, fakes := members("primary", "secondary")
	f := NewFallback("fb", ms, "http://test/", time.Hour)
	cur, err := f.Now(nil)
	if err != nil || cur.Name() != "primary" {
		t.Fatalf("Now = %v, %v", cur, err)
	}

	fakes[0].SetAlive(false)
	cur, err = f.Now(nil)
	if err != nil || cur.Name() != "secondary" {
		t.Fatalf("after primary death: %v, %v", cur, err)
	}

	fakes[1].SetAlive(false)
	if _, err := f.Now(nil); err == nil {
		t.Fatal("all dead must error")
	}
}

func TestFallbackMarksDeadOnDialError(t *testing.T) {
	ms, fakes := members("primary", "secondary")
	fakes[0].dialErr = errors.New("down")
	f := NewFallback("fb", ms, "http://test/", time.Hour)
	f.DialTCP(context.Background(), &metadata.Metadata{})
	if fakes[0].Alive() {
		t.Error("dial error must mark the member dead")
	}
	if cur, _ := f.Now(nil); cur.Name() != "secondary" {
		t.Error("next Now must skip the dead member")
	}
}

func TestLoadBalanceRoundRobinRotates(t *testing.T) {
	ms, _ := members("a", "b", "c")
	lb := NewLoadBalance("lb", ms, LBRoundRobin)
	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		p, err := lb.pick(&metadata.Metadata{DestHost: "x.example"})
		if err != nil {
			t.Fatal(err)
		}
		seen[p.Name()]++
	}
	for _, n := range []string{"a", "b", "c"} {
		if seen[n] != 3 {
			t.Errorf("member %s picked %d times, want 3", n, seen[n])
		}
	}
}

func TestLoadBalanceConsistentHashStable(t *testing.T) {
	ms, _ := members("a", "b", "c", "d")
	lb := NewLoadBalance("lb", ms, LBConsistentHash)
	md := &metadata.Metadata{DestHost: "sticky.example.com"}
	first, err := lb.pick(md)
	if err != nil {
		t.Fatal(err)
	}
	lb.release(first.Name())
	for i := 0; i < 20; i++ {
		p, _ := lb.pick(md)
		lb.release(p.Name())
		if p.Name() != first.Name() {
			t.Fatalf("consistent hash moved: %s -> %s", first.Name(), p.Name())
		}
	}
}

func TestLoadBalanceAllDead(t *testing.T) {
	ms, fakes := members("a", "b")
	for _, f := range fakes {
		f.SetAlive(false)
	}
	lb := NewLoadBalance("lb", ms, LBRoundRobin)
	if _, err := lb.pick(&metadata.Metadata{DestHost: "x"}); err == nil {
		t.Fatal("no alive members must error")
	}
	if lb.Alive() {
		t.Error("group must report dead")
	}
}
