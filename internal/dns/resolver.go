// Package dns implements the DNS subsystem relevant to routing (spec.md
// §4.7): host resolution, caching, and FakeIP allocation. Upstream queries
// use github.com/miekg/dns (a teacher dependency), fanning out to multiple
// servers with first-response-wins. Every server is queried over plain UDP;
// udp://, doh:// and dot:// prefixes are accepted but DoH and DoT transports
// are not implemented.
package dns

import (
	"context"
	"net"
	"sync"
	"time"

	miekgdns "github.com/miekg/dns"

	"github.com/e1732a364fed/clashcore/internal/xerr"
)

const (
	MinTTL = 60 * time.Second
	MaxTTL = time.Hour
)

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// Resolver layers hosts-map overrides, a FakeIP reverse map, a per-host TTL
// cache, and upstream fanout, in that order (spec.md §4.7).
type Resolver struct {
	HostsMap map[string]net.IP

	fakeIP *FakeIPPool

	mu    sync.RWMutex
	cache map[string]cacheEntry

	servers []string // "udp://1.1.1.1:53", "doh://...", "dot://..."
	client  *miekgdns.Client
}

func NewResolver(servers []string, hostsMap map[string]net.IP, fakeIP *FakeIPPool) *Resolver {
	return &Resolver{
		HostsMap: hostsMap,
		fakeIP:   fakeIP,
		cache:    make(map[string]cacheEntry),
		servers:  servers,
		client:   &miekgdns.Client{Timeout: 5 * time.Second},
	}
}

// Resolve implements the resolve(host, family) capability from spec.md §4.7
// for a single address: it returns the first A record (AAAA when preferV6)
// of the first server to answer, and the cache keeps only that address. A
// literal IP short-circuits every layer (spec.md §8 boundary behavior).
func (r *Resolver) Resolve(ctx context.Context, host string, preferV6 bool) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if ip, ok := r.HostsMap[host]; ok {
		return ip, nil
	}

	if r.fakeIP != nil {
		if ip, ok := r.fakeIP.ReverseToIP(host); ok {
			return ip, nil
		}
	}

	if ip, ok := r.cacheGet(host); ok {
		return ip, nil
	}

	ip, ttl, err := r.queryUpstream(ctx, host, preferV6)
	if err != nil {
		return nil, &xerr.DnsError{Kind: xerr.DnsNoRecords, Host: host, Err: err}
	}
	r.cacheSet(host, ip, ttl)
	return ip, nil
}

// ReverseHost recovers the original hostname for a FakeIP, used on the
// inbound side when a TUN/redirect path supplies a FakeIP (spec.md §4.7).
func (r *Resolver) ReverseHost(ip net.IP) (string, bool) {
	if r.fakeIP == nil {
		return "", false
	}
	return r.fakeIP.ReverseToHost(ip)
}

func (r *Resolver) cacheGet(host string) (net.IP, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[host]
	if !ok || time.Now().After(e.expires) || len(e.ips) == 0 {
		return nil, false
	}
	return e.ips[0], true
}

func (r *Resolver) cacheSet(host string, ip net.IP, ttl time.Duration) {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[host] = cacheEntry{ips: []net.IP{ip}, expires: time.Now().Add(ttl)}
}

// ClearCache flushes the positive cache and the FakeIP pool, but not the
// hosts map (spec.md §4.7).
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
	if r.fakeIP != nil {
		r.fakeIP.Clear()
	}
}

// queryUpstream fans a query out to every configured server and returns on
// the first response (spec.md §4.7 "first-response-wins").
func (r *Resolver) queryUpstream(ctx context.Context, host string, preferV6 bool) (net.IP, time.Duration, error) {
	qtype := miekgdns.TypeA
	if preferV6 {
		qtype = miekgdns.TypeAAAA
	}
	msg := new(miekgdns.Msg)
	msg.SetQuestion(miekgdns.Fqdn(host), qtype)

	type result struct {
		ip  net.IP
		ttl time.Duration
		err error
	}
	resultCh := make(chan result, len(r.servers))
	if len(r.servers) == 0 {
		return nil, 0, xerr.ErrInErr{ErrDesc: "no upstream dns servers configured"}
	}

	for _, server := range r.servers {
		addr := plainServerAddr(server)
		go func(addr string) {
			in, _, err := r.client.ExchangeContext(ctx, msg, addr)
			if err != nil {
				resultCh <- result{err: err}
				return
			}
			for _, ans := range in.Answer {
				switch rr := ans.(type) {
				case *miekgdns.A:
					resultCh <- result{ip: rr.A, ttl: time.Duration(rr.Hdr.Ttl) * time.Second}
					return
				case *miekgdns.AAAA:
					resultCh <- result{ip: rr.AAAA, ttl: time.Duration(rr.Hdr.Ttl) * time.Second}
					return
				}
			}
			resultCh <- result{err: xerr.ErrInErr{ErrDesc: "no A/AAAA record"}}
		}(addr)
	}

	var lastErr error
	for i := 0; i < len(r.servers); i++ {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case res := <-resultCh:
			if res.err == nil {
				return res.ip, res.ttl, nil
			}
			lastErr = res.err
		}
	}
	return nil, 0, lastErr
}

// plainServerAddr strips the udp://, doh://, dot:// scheme prefixes this
// package's config accepts. The resolver's miekg/dns client uses its default
// plain-UDP transport for every server, so a doh:// or dot:// entry is
// queried over plain UDP at the stripped address.
func plainServerAddr(server string) string {
	for _, prefix := range []string{"udp://", "doh://", "dot://"} {
		if len(server) > len(prefix) && server[:len(prefix)] == prefix {
			return server[len(prefix):]
		}
	}
	return server
}
