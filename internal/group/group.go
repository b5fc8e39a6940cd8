// Package group implements the proxy group selector (spec.md §4.5):
// Selector, URLTest, Fallback, LoadBalance all turn a logical group into a
// concrete outbound choice at dial time, and implement outbound.Proxy
// themselves so the tunnel's resolution step can recurse through them.
package group

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

// Group extends outbound.Proxy with the group-only operations from
// spec.md §3: Now() resolves to a concrete current pick, Members() lists
// the ordered membership, Touch() marks the group used (for lazy
// health-check semantics in internal/provider).
type Group interface {
	outbound.Proxy
	Now(visited map[string]bool) (outbound.Proxy, error)
	Members() []outbound.Proxy
	Touch()
}

var ErrGroupCycle = &xerr.RuleError{Kind: xerr.RuleCycle}
var ErrNoAliveMember = xerr.ErrInErr{ErrDesc: "no_alive_member"}

// ---------------------------------------------------------------- Selector

// Selector holds a caller-chosen `current`; dial uses current. current is
// mutated only by the control plane (spec.md §4.5).
type Selector struct {
	outbound.Base
	members []outbound.Proxy
	current atomic.Value // string
	touched atomic.Bool
}

func NewSelector(name string, members []outbound.Proxy, initial string) *Selector {
	s := &Selector{Base: outbound.NewBase(name, "selector", true), members: members}
	if initial == "" && len(members) > 0 {
		initial = members[0].Name()
	}
	s.current.Store(initial)
	return s
}

func (s *Selector) Members() []outbound.Proxy { return s.members }
func (s *Selector) Touch()                    { s.touched.Store(true) }
func (s *Selector) Touched() bool             { return s.touched.Swap(false) }

// SetCurrent is the control-plane write path (spec.md §4.5).
func (s *Selector) SetCurrent(name string) bool {
	for _, m := range s.members {
		if m.Name() == name {
			s.current.Store(name)
			return true
		}
	}
	return false
}

func (s *Selector) Now(visited map[string]bool) (outbound.Proxy, error) {
	s.Touch()
	name, _ := s.current.Load().(string)
	for _, m := range s.members {
		if m.Name() == name {
			return m, nil
		}
	}
	if len(s.members) > 0 {
		return s.members[0], nil
	}
	return nil, ErrNoAliveMember
}

func (s *Selector) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	p, err := s.Now(nil)
	if err != nil {
		return nil, err
	}
	return p.DialTCP(ctx, md)
}

func (s *Selector) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	p, err := s.Now(nil)
	if err != nil {
		return nil, err
	}
	return p.DialUDP(ctx, md)
}

func (s *Selector) SupportsUDP() bool { p, err := s.Now(nil); return err == nil && p.SupportsUDP() }
func (s *Selector) Alive() bool       { p, err := s.Now(nil); return err == nil && p.Alive() }
func (s *Selector) LastDelayMS() int64 {
	p, err := s.Now(nil)
	if err != nil {
		return -1
	}
	return p.LastDelayMS()
}

// ------------------------------------------------------------------ URLTest

// URLTest periodically delay-tests members against a small URL (default
// every 300s); the lowest-alive-delay member is `current`. On dial error of
// the current member the next test is expedited (spec.md §4.5).
type URLTest struct {
	outbound.Base
	members  []outbound.Proxy
	testURL  string
	interval time.Duration

	mu       sync.Mutex
	current  outbound.Proxy
	expedite chan struct{}
	touched  atomic.Bool
	Delayer  Delayer
}

func NewURLTest(name string, members []outbound.Proxy, testURL string, interval time.Duration) *URLTest {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	u := &URLTest{
		Base:     outbound.NewBase(name, "urltest", true),
		members:  members,
		testURL:  testURL,
		interval: interval,
		expedite: make(chan struct{}, 1),
	}
	if len(members) > 0 {
		u.current = members[0]
	}
	return u
}

func (u *URLTest) Members() []outbound.Proxy { return u.members }
func (u *URLTest) Touch()                    { u.touched.Store(true) }
func (u *URLTest) Touched() bool             { return u.touched.Swap(false) }

// Run drives the periodic delay-test loop until ctx is cancelled.
func (u *URLTest) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.testAll(ctx)
		case <-u.expedite:
			u.testAll(ctx)
		}
	}
}

func (u *URLTest) testAll(ctx context.Context) {
	if u.Delayer == nil {
		return
	}
	var best outbound.Proxy
	var bestDelay time.Duration = -1
	for _, m := range u.members {
		d, err := u.Delayer(ctx, m, u.testURL)
		mut, _ := m.(outbound.Mutable)
		if err != nil {
			if mut != nil {
				mut.SetAlive(false)
			}
			continue
		}
		if mut != nil {
			mut.SetAlive(true)
			mut.SetLastDelayMS(d.Milliseconds())
		}
		if bestDelay < 0 || d < bestDelay {
			bestDelay = d
			best = m
		}
	}
	if best != nil {
		u.mu.Lock()
		u.current = best
		u.mu.Unlock()
	}
}

// ExpediteNextTest is called on current-member dial error, per spec.md
// §4.5: "On dial error of the current member the next test is expedited."
func (u *URLTest) ExpediteNextTest() {
	select {
	case u.expedite <- struct{}{}:
	default:
	}
}

func (u *URLTest) Now(visited map[string]bool) (outbound.Proxy, error) {
	u.Touch()
	u.mu.Lock()
	cur := u.current
	u.mu.Unlock()
	if cur == nil || !cur.Alive() {
		return nil, ErrNoAliveMember
	}
	return cur, nil
}

func (u *URLTest) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	p, err := u.Now(nil)
	if err != nil {
		return nil, err
	}
	conn, err := p.DialTCP(ctx, md)
	if err != nil {
		u.ExpediteNextTest()
	}
	return conn, err
}

func (u *URLTest) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	p, err := u.Now(nil)
	if err != nil {
		return nil, err
	}
	pc, err := p.DialUDP(ctx, md)
	if err != nil {
		u.ExpediteNextTest()
	}
	return pc, err
}

func (u *URLTest) SupportsUDP() bool { p, err := u.Now(nil); return err == nil && p.SupportsUDP() }
func (u *URLTest) Alive() bool {
	for _, m := range u.members {
		if m.Alive() {
			return true
		}
	}
	return false
}
func (u *URLTest) LastDelayMS() int64 {
	p, err := u.Now(nil)
	if err != nil {
		return -1
	}
	return p.LastDelayMS()
}

// ------------------------------------------------------------------ Fallback

// Fallback keeps an ordered member list; current is the first alive member.
// Aliveness is reassessed on each scheduled health-check and on dial error
// (spec.md §4.5).
type Fallback struct {
	outbound.Base
	members  []outbound.Proxy
	testURL  string
	interval time.Duration
	Delayer  Delayer
	touched  atomic.Bool
}

func NewFallback(name string, members []outbound.Proxy, testURL string, interval time.Duration) *Fallback {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Fallback{Base: outbound.NewBase(name, "fallback", true), members: members, testURL: testURL, interval: interval}
}

func (f *Fallback) Members() []outbound.Proxy { return f.members }
func (f *Fallback) Touch()                    { f.touched.Store(true) }
func (f *Fallback) Touched() bool             { return f.touched.Swap(false) }

func (f *Fallback) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	f.reassess(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reassess(ctx)
		}
	}
}

func (f *Fallback) reassess(ctx context.Context) {
	if f.Delayer == nil {
		return
	}
	for _, m := range f.members {
		d, err := f.Delayer(ctx, m, f.testURL)
		mut, ok := m.(outbound.Mutable)
		if !ok {
			continue
		}
		if err != nil {
			mut.SetAlive(false)
			continue
		}
		mut.SetAlive(true)
		mut.SetLastDelayMS(d.Milliseconds())
	}
}

func (f *Fallback) Now(visited map[string]bool) (outbound.Proxy, error) {
	f.Touch()
	for _, m := range f.members {
		if m.Alive() {
			return m, nil
		}
	}
	return nil, ErrNoAliveMember
}

func (f *Fallback) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	p, err := f.Now(nil)
	if err != nil {
		return nil, err
	}
	conn, err := p.DialTCP(ctx, md)
	if err != nil {
		if mut, ok := p.(outbound.Mutable); ok {
			mut.SetAlive(false)
		}
	}
	return conn, err
}

func (f *Fallback) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	p, err := f.Now(nil)
	if err != nil {
		return nil, err
	}
	return p.DialUDP(ctx, md)
}

func (f *Fallback) SupportsUDP() bool { p, err := f.Now(nil); return err == nil && p.SupportsUDP() }
func (f *Fallback) Alive() bool {
	for _, m := range f.members {
		if m.Alive() {
			return true
		}
	}
	return false
}
func (f *Fallback) LastDelayMS() int64 {
	p, err := f.Now(nil)
	if err != nil {
		return -1
	}
	return p.LastDelayMS()
}

// --------------------------------------------------------------- LoadBalance

type LBPolicy string

const (
	LBRoundRobin     LBPolicy = "round-robin"
	LBConsistentHash LBPolicy = "consistent-hash"
)

// LoadBalance has no sticky current; each dial picks a member by policy.
// The consistent-hash variant hashes dest_host with a bounded-load variant
// (original_source/src/common/proxy_node_selection.rs) to avoid pathological
// skew while still guaranteeing the same (dest_host, mode) maps to the same
// member as long as the member set is unchanged (spec.md §4.5).
type LoadBalance struct {
	outbound.Base
	members []outbound.Proxy
	policy  LBPolicy
	rrNext  atomic.Uint32

	// maxLoadFactor bounds how far any one member's active-dial count may
	// exceed the mean before the consistent-hash picker spills over to the
	// next candidate in hash order (bounded-load consistent hashing).
	maxLoadFactor float64
	mu            sync.Mutex
	activeLoad    map[string]int
}

func NewLoadBalance(name string, members []outbound.Proxy, policy LBPolicy) *LoadBalance {
	return &LoadBalance{
		Base:          outbound.NewBase(name, "load-balance", true),
		members:       members,
		policy:        policy,
		maxLoadFactor: 1.25,
		activeLoad:    make(map[string]int),
	}
}

func (l *LoadBalance) Members() []outbound.Proxy { return l.members }
func (l *LoadBalance) Touch()                    {}

func (l *LoadBalance) alive() []outbound.Proxy {
	out := make([]outbound.Proxy, 0, len(l.members))
	for _, m := range l.members {
		if m.Alive() {
			out = append(out, m)
		}
	}
	return out
}

func (l *LoadBalance) Now(visited map[string]bool) (outbound.Proxy, error) {
	alive := l.alive()
	if len(alive) == 0 {
		return nil, ErrNoAliveMember
	}
	if l.policy == LBConsistentHash {
		return alive[0], nil
	}
	n := l.rrNext.Add(1)
	return alive[int(n)%len(alive)], nil
}

func (l *LoadBalance) pick(md *metadata.Metadata) (outbound.Proxy, error) {
	alive := l.alive()
	if len(alive) == 0 {
		return nil, ErrNoAliveMember
	}
	switch l.policy {
	case LBConsistentHash:
		return l.pickConsistentHash(alive, md.Host()), nil
	default:
		n := l.rrNext.Add(1)
		return alive[int(n)%len(alive)], nil
	}
}

// pickConsistentHash hashes dest_host with FNV-1a to a start index among the
// alive members and walks forward, in member-slice order, past any member
// currently over maxLoadFactor * mean load — the bounded-load consistent-hash
// variant. The start index depends only on the key and the alive member
// list, so it is stable as long as that list doesn't change (spec.md §4.5
// invariant).
func (l *LoadBalance) pickConsistentHash(alive []outbound.Proxy, key string) outbound.Proxy {
	h := fnv.New32a()
	h.Write([]byte(key))
	start := int(h.Sum32() % uint32(len(alive)))

	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	for _, m := range alive {
		total += l.activeLoad[m.Name()]
	}
	mean := float64(total) / float64(len(alive))
	limit := mean*l.maxLoadFactor + 1

	for i := 0; i < len(alive); i++ {
		cand := alive[(start+i)%len(alive)]
		if float64(l.activeLoad[cand.Name()]) <= limit {
			l.activeLoad[cand.Name()]++
			return cand
		}
	}
	chosen := alive[start]
	l.activeLoad[chosen.Name()]++
	return chosen
}

func (l *LoadBalance) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.activeLoad[name] > 0 {
		l.activeLoad[name]--
	}
}

func (l *LoadBalance) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	p, err := l.pick(md)
	if err != nil {
		return nil, err
	}
	if l.policy == LBConsistentHash {
		defer l.release(p.Name())
	}
	return p.DialTCP(ctx, md)
}

func (l *LoadBalance) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	p, err := l.pick(md)
	if err != nil {
		return nil, err
	}
	if l.policy == LBConsistentHash {
		defer l.release(p.Name())
	}
	return p.DialUDP(ctx, md)
}

func (l *LoadBalance) SupportsUDP() bool {
	for _, m := range l.members {
		if m.SupportsUDP() {
			return true
		}
	}
	return false
}
func (l *LoadBalance) Alive() bool { return len(l.alive()) > 0 }
func (l *LoadBalance) LastDelayMS() int64 {
	alive := l.alive()
	if len(alive) == 0 {
		return -1
	}
	return alive[0].LastDelayMS()
}
