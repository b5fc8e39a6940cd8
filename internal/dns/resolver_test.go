package dns

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestResolveLiteralIPShortCircuits(t *testing.T) {
	// no servers configured: any layer below the literal check would error
	r := NewResolver(nil, nil, nil)
	ip, err := r.Resolve(context.Background(), "93.184.216.34", false)
	if err != nil {
		t.Fatal(err)
	}
	if !ip.Equal(net.ParseIP("93.184.216.34")) {
		t.Errorf("got %v", ip)
	}
	ip6, err := r.Resolve(context.Background(), "2001:db8::2", true)
	if err != nil || !ip6.Equal(net.ParseIP("2001:db8::2")) {
		t.Errorf("got %v, %v", ip6, err)
	}
}

func TestResolveHostsMapOverride(t *testing.T) {
	hosts := map[string]net.IP{"router.lan": net.ParseIP("192.168.1.1")}
	r := NewResolver(nil, hosts, nil)
	ip, err := r.Resolve(context.Background(), "router.lan", false)
	if err != nil || !ip.Equal(hosts["router.lan"]) {
		t.Errorf("hosts map miss: %v, %v", ip, err)
	}
}

func TestResolveFakeIPReverseLayer(t *testing.T) {
	pool, _ := NewFakeIPPool("198.18.0.0/24")
	fake := pool.Allocate("fake.example")
	r := NewResolver(nil, nil, pool)
	ip, err := r.Resolve(context.Background(), "fake.example", false)
	if err != nil || !ip.Equal(fake) {
		t.Errorf("fakeip layer miss: %v, %v", ip, err)
	}
	host, ok := r.ReverseHost(fake)
	if !ok || host != "fake.example" {
		t.Errorf("ReverseHost = %q,%v", host, ok)
	}
}

func TestResolveNoServersErrors(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	if _, err := r.Resolve(context.Background(), "nonexistent.example", false); err == nil {
		t.Fatal("expected an error with no upstream servers")
	}
}

func TestCacheSetGetAndClear(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	want := net.ParseIP("10.9.8.7")
	r.cacheSet("cached.example", want, time.Minute)
	got, ok := r.cacheGet("cached.example")
	if !ok || !got.Equal(want) {
		t.Fatalf("cacheGet = %v,%v", got, ok)
	}
	r.ClearCache()
	if _, ok := r.cacheGet("cached.example"); ok {
		t.Error("ClearCache must flush the positive cache")
	}
}

func TestCacheTTLClamping(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	r.cacheSet("short.example", net.ParseIP("1.1.1.1"), time.Second)
	r.mu.RLock()
	e := r.cache["short.example"]
	r.mu.RUnlock()
	if until := time.Until(e.expires); until < MinTTL-5*time.Second {
		t.Errorf("ttl below minimum: %v", until)
	}
}

func TestPlainServerAddrStripsSchemes(t *testing.T) {
	cases := map[string]string{
		"udp://1.1.1.1:53": "1.1.1.1:53",
		"doh://9.9.9.9:443": "9.9.9.9:443",
		"8.8.8.8:53":       "8.8.8.8:53",
	}
	for in, want := range cases {
		if got := plainServerAddr(in); got != want {
			t.Errorf("%s: got %q want %q", in, got, want)
		}
	}
}
