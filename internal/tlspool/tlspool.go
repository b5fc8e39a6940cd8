// Package tlspool implements the warm TLS connection pool (spec.md §4.4):
// a cache of pre-handshaked TLS streams keyed by endpoint identity, used to
// amortise handshake latency for Trojan and VLESS under steady load.
//
// The striped-map-with-per-key-mutex shape follows spec.md §5's "shared
// resource policy"; the predictive-warmup EWMA + token bucket follows
// SPEC_FULL.md's original_source/src/common/pool_predictor.rs and
// src/outbound/tcp_warm_pool.rs grounding, using golang.org/x/time/rate for
// the bucket (from the mlkmbp-mbp pack member).
package tlspool

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/time/rate"
)

// Stream is whatever the pool caches: a handshaked net.Conn (plain TLS or a
// *utls.UConn, both satisfy net.Conn).
type Stream = net.Conn

// Key identifies a warm-pool bucket: (server_name, dest_port, alpn, ca
// fingerprint). Mismatched keys never share entries.
type Key struct {
	ServerName    string
	Port          uint16
	ALPN          string
	CAFingerprint string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d/%s/%s", k.ServerName, k.Port, k.ALPN, k.CAFingerprint)
}

// CAFingerprint hashes a CA bundle (or nil for the system pool) into the
// key's identity component, so a reload that changes trust anchors can
// never share an entry with a pool that predates it.
func CAFingerprint(caBundle []byte) string {
	sum := sha256.Sum256(caBundle)
	return fmt.Sprintf("%x", sum[:8])
}

// Dialer establishes a fresh handshake for a key; used both as the cold
// fallback and as what Prewarm calls in the background.
type Dialer func(ctx context.Context, key Key) (Stream, error)

type entry struct {
	stream Stream
	bornAt time.Time
}

type bucket struct {
	mu      sync.Mutex
	entries []*entry
}

const (
	DefaultMaxIdleAge   = 45 * time.Second
	DefaultMaxPerKey    = 8
	DefaultGlobalCap    = 256
	DefaultWarmupWindow = 10 * time.Second
	DefaultEWMAHalfLife = 30 * time.Second
)

// Pool is the warm TLS connection pool.
type Pool struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	count   int

	MaxIdleAge time.Duration
	MaxPerKey  int
	GlobalCap  int

	// Pressure, when set, reports the process-wide soft memory-pressure
	// signal; a pool under pressure stops retaining and prewarming streams.
	Pressure func() bool

	rates   map[string]*rateState
	keys    map[string]Key
	dial    Dialer
	dialers map[string]Dialer
}

type rateState struct {
	mu      sync.Mutex
	ewma    float64 // dials per second, exponentially weighted
	last    time.Time
	limiter *rate.Limiter
}

func New(dial Dialer) *Pool {
	return &Pool{
		buckets:    make(map[string]*bucket),
		rates:      make(map[string]*rateState),
		keys:       make(map[string]Key),
		dialers:    make(map[string]Dialer),
		MaxIdleAge: DefaultMaxIdleAge,
		MaxPerKey:  DefaultMaxPerKey,
		GlobalCap:  DefaultGlobalCap,
		dial:       dial,
	}
}

// Acquire returns an idle, already-handshaked stream if one exists and is
// still within the idle-age bound. The stream is removed from the pool
// atomically: it is never shared between two callers, and an acquire that
// races with eviction simply returns ok=false — the caller falls through to
// a cold handshake (spec.md §4.4).
func (p *Pool) Acquire(key Key) (stream Stream, ok bool) {
	p.markDial(key)

	p.mu.Lock()
	b, exists := p.buckets[key.String()]
	p.mu.Unlock()
	if !exists {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for len(b.entries) > 0 {
		e := b.entries[len(b.entries)-1]
		b.entries = b.entries[:len(b.entries)-1]
		p.mu.Lock()
		p.count--
		p.mu.Unlock()
		if now.Sub(e.bornAt) > p.MaxIdleAge {
			e.stream.Close()
			continue
		}
		return e.stream, true
	}
	return nil, false
}

// Release returns a healthy stream to the pool after a successful relay.
// If the stream saw a read error it must not be released — callers check
// health before calling Release (spec.md §4.4 "health on release").
func (p *Pool) Release(key Key, stream Stream) {
	if p.Pressure != nil && p.Pressure() {
		stream.Close()
		return
	}
	p.mu.Lock()
	if p.count >= p.GlobalCap {
		p.mu.Unlock()
		stream.Close()
		return
	}
	b, exists := p.buckets[key.String()]
	if !exists {
		b = &bucket{}
		p.buckets[key.String()] = b
	}
	p.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= p.MaxPerKey {
		// LRU eviction: drop the oldest entry to make room.
		oldest := b.entries[0]
		oldest.stream.Close()
		b.entries = b.entries[1:]
		p.mu.Lock()
		p.count--
		p.mu.Unlock()
	}
	b.entries = append(b.entries, &entry{stream: stream, bornAt: time.Now()})
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
}

// RegisterDialer teaches the pool how to cold-handshake key, so the
// predictive warmer can refill it in the background. Registered by the
// Trojan/VLESS outbounds that own the key's server endpoint.
func (p *Pool) RegisterDialer(key Key, d Dialer) {
	p.rateStateFor(key)
	p.mu.Lock()
	p.dialers[key.String()] = d
	p.mu.Unlock()
}

func (p *Pool) dialerFor(key Key) Dialer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.dialers[key.String()]; ok {
		return d
	}
	return p.dial
}

// Prewarm establishes up to n connections for key in the background,
// governed by the token bucket so handshakes-per-second stays bounded.
func (p *Pool) Prewarm(ctx context.Context, key Key, n int) {
	dial := p.dialerFor(key)
	if dial == nil {
		return
	}
	rs := p.rateStateFor(key)
	for i := 0; i < n; i++ {
		if err := rs.limiter.Wait(ctx); err != nil {
			return
		}
		stream, err := dial(ctx, key)
		if err != nil {
			return
		}
		p.Release(key, stream)
	}
}

// TargetWarmCount returns ceil(EWMA(dial-rate) * warmupWindow), the number
// of idle streams the predictive warmup tries to maintain for key.
func (p *Pool) TargetWarmCount(key Key, warmupWindow time.Duration) int {
	rs := p.rateStateFor(key)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	target := rs.ewma * warmupWindow.Seconds()
	n := int(math.Ceil(target))
	if n > p.MaxPerKey {
		n = p.MaxPerKey
	}
	return n
}

func (p *Pool) markDial(key Key) {
	rs := p.rateStateFor(key)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	now := time.Now()
	if rs.last.IsZero() {
		rs.last = now
		return
	}
	dt := now.Sub(rs.last).Seconds()
	rs.last = now
	if dt <= 0 {
		return
	}
	alpha := 1 - halfLifeDecay(dt)
	instant := 1 / dt
	rs.ewma = rs.ewma + alpha*(instant-rs.ewma)
}

// halfLifeDecay returns 0.5^(dt/halfLife), the fraction of the old EWMA
// value that survives dt seconds.
func halfLifeDecay(dt float64) float64 {
	halfLife := DefaultEWMAHalfLife.Seconds()
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, dt/halfLife)
}

func (p *Pool) rateStateFor(key Key) *rateState {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.rates[key.String()]
	if !ok {
		rs = &rateState{limiter: rate.NewLimiter(rate.Limit(4), 4)}
		p.rates[key.String()] = rs
		p.keys[key.String()] = key
	}
	return rs
}

// idleCount reports how many idle streams key currently holds.
func (p *Pool) idleCount(key Key) int {
	p.mu.Lock()
	b, ok := p.buckets[key.String()]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// RunWarmer drives the predictive warmup (spec.md §4.4): every interval it
// refills each observed key toward ceil(EWMA * warmupWindow), skipping the
// whole pass while the process is under memory pressure. Warm pool
// failures are never surfaced (spec.md §4.4 failure semantics).
func (p *Pool) RunWarmer(ctx context.Context, interval, warmupWindow time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if warmupWindow <= 0 {
		warmupWindow = DefaultWarmupWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Pressure != nil && p.Pressure() {
				continue
			}
			p.mu.Lock()
			keys := make([]Key, 0, len(p.keys))
			for _, k := range p.keys {
				keys = append(keys, k)
			}
			p.mu.Unlock()
			for _, key := range keys {
				want := p.TargetWarmCount(key, warmupWindow) - p.idleCount(key)
				if want > 0 {
					p.Prewarm(ctx, key, want)
				}
			}
		}
	}
}

// UTLSConfig builds a utls ClientHelloID-fingerprinted config for a key,
// used by internal/outbound/trojan and internal/outbound/vless to dial
// their TLS endpoints (SPEC_FULL.md domain stack: refraction-networking/utls).
func UTLSConfig(key Key, insecureSkipVerify bool) *utls.Config {
	return &utls.Config{
		ServerName:         key.ServerName,
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         splitALPN(key.ALPN),
	}
}

// StdTLSConfig mirrors UTLSConfig for protocols that don't fingerprint.
func StdTLSConfig(key Key, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         key.ServerName,
		InsecureSkipVerify: insecureSkipVerify,
		NextProtos:         splitALPN(key.ALPN),
	}
}

func splitALPN(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
