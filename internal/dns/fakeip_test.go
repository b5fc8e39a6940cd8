package dns

import (
	"testing"
)

func TestFakeIPAllocateReverseRoundTrip(t *testing.T) {
	p, err := NewFakeIPPool("198.18.0.0/16")
	if err != nil {
		t.Fatal(err)
	}
	hosts := []string{"a.example.com", "b.example.com", "c.example.org"}
	for _, h := range hosts {
		ip := p.Allocate(h)
		got, ok := p.ReverseToHost(ip)
		if !ok || got != h {
			t.Errorf("reverse(allocate(%q)) = %q,%v", h, got, ok)
		}
	}
}

func TestFakeIPStableForSameHost(t *testing.T) {
	p, _ := NewFakeIPPool("198.18.0.0/24")
	ip1 := p.Allocate("repeat.example")
	ip2 := p.Allocate("repeat.example")
	if !ip1.Equal(ip2) {
		t.Errorf("same host must reuse its binding: %v vs %v", ip1, ip2)
	}
}

func TestFakeIPReverseToIP(t *testing.T) {
	p, _ := NewFakeIPPool("198.18.0.0/24")
	ip := p.Allocate("known.example")
	got, ok := p.ReverseToIP("known.example")
	if !ok || !got.Equal(ip) {
		t.Errorf("ReverseToIP = %v,%v want %v,true", got, ok, ip)
	}
	if _, ok := p.ReverseToIP("unknown.example"); ok {
		t.Error("unknown host must not reverse")
	}
}

func TestFakeIPEvictsReleasedFirst(t *testing.T) {
	p, err := NewFakeIPPool("198.18.0.0/30") // 4 slots
	if err != nil {
		t.Fatal(err)
	}
	ips := make(map[string]struct{})
	first := p.Allocate("h0")
	p.Release(first)
	for i := 1; i < 5; i++ {
		ip := p.Allocate(string(rune('a'+i)) + ".example")
		ips[ip.String()] = struct{}{}
	}
	// h0 was released and oldest, so its slot must have been reused.
	if _, ok := p.ReverseToIP("h0"); ok {
		t.Error("released oldest binding should have been evicted")
	}
	if host, ok := p.ReverseToHost(first); !ok || host != "e.example" {
		t.Errorf("h0's slot should now be bound to e.example, got %q,%v", host, ok)
	}
}

func TestFakeIPClear(t *testing.T) {
	p, _ := NewFakeIPPool("198.18.0.0/24")
	ip := p.Allocate("gone.example")
	p.Clear()
	if _, ok := p.ReverseToHost(ip); ok {
		t.Error("Clear must flush bindings")
	}
}

func TestFakeIPOutOfRangeReverse(t *testing.T) {
	p, _ := NewFakeIPPool("198.18.0.0/24")
	if _, ok := p.ReverseToHost([]byte{8, 8, 8, 8}); ok {
		t.Error("an IP outside the pool must not reverse")
	}
}
