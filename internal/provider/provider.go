// Package provider implements the provider subsystem (spec.md §4.6):
// subscription fetch, on-disk caching, parallel health-checks, and
// lazy/touch health-check semantics. A refresh replaces the provider's own
// artifact; groups built from it keep the members copied at build time.
//
// Fetch de-duplication uses golang.org/x/sync/singleflight and the
// parallel health-check fan-out uses golang.org/x/sync/errgroup (both from
// the mlkmbp-mbp pack member, per SPEC_FULL.md's domain stack); the cache
// side-file codec uses github.com/goccy/go-json (same pack member).
package provider

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/xerr"
)

type Behavior string

const (
	BehaviorProxies       Behavior = "proxies"
	BehaviorRuleDomain    Behavior = "rule-domain"
	BehaviorRuleIPCIDR    Behavior = "rule-ipcidr"
	BehaviorRuleClassical Behavior = "rule-classical"
)

type SourceKind string

const (
	SourceHTTP   SourceKind = "http"
	SourceFile   SourceKind = "file"
	SourceInline SourceKind = "inline"
)

// SubscriptionInfo is parsed from the fetch response's Subscription-Userinfo
// header (spec.md §3).
type SubscriptionInfo struct {
	Upload     int64
	Download   int64
	Total      int64
	ExpireUnix int64
}

// Meta is the provider cache side-file content (spec.md §6 persisted
// state: "<data-dir>/providers/<name>.cache" + ".meta").
type Meta struct {
	ETag             string            `json:"etag"`
	LastModified     string            `json:"last_modified"`
	FetchedAt        int64             `json:"fetched_at"`
	SubscriptionInfo *SubscriptionInfo `json:"subscription_info,omitempty"`
}

// Parser turns a raw fetched/cached body into a materialized artifact: for
// proxy providers, a slice of proxies; for rule providers, a compiled rule
// matcher. Implemented outside this package (internal/config wires the
// concrete parse functions) to keep provider decoupled from the config and
// outbound construction code.
type Parser func(behavior Behavior, raw []byte) (Artifact, error)

// Artifact is the provider's materialized, self-consistent snapshot —
// readers never observe partial updates (spec.md §4.6 invariant).
type Artifact interface {
	Proxies() []outbound.Proxy
	MatchRule(md *metadata.Metadata) bool
}

// HealthChecker pings a proxy and reports its round-trip delay.
type HealthChecker func(ctx context.Context, p outbound.Proxy) (time.Duration, error)

type Config struct {
	Name             string
	Behavior         Behavior
	Source           SourceKind
	URL              string
	FilePath         string
	InlineBody       []byte
	UpdateInterval   time.Duration
	HealthCheckURL   string
	HealthCheckEvery time.Duration
	LazyMode         bool
	StaleBound       time.Duration
	HealthConcurrency int
	CacheDir         string

	// Pressure, when set, reports the soft memory-pressure signal that
	// halves the health fan-out concurrency while high.
	Pressure func() bool
}

const (
	DefaultFetchTimeout     = 30 * time.Second
	MinUpdateInterval       = 60 * time.Second
	DefaultUpdateInterval   = 24 * time.Hour
	MinBackoff              = 30 * time.Second
	MaxBackoff              = time.Hour
	DefaultHealthConcurrency = 8
	DefaultStaleBound       = 30 * time.Minute
)

// Provider is a named, refreshable source of proxies or rules.
type Provider struct {
	cfg    Config
	parser Parser
	health HealthChecker

	mu       sync.RWMutex
	artifact Artifact
	subInfo  *SubscriptionInfo
	updatedAt time.Time
	lastErr  error

	touchedSince map[string]time.Time // member name -> last touch, lazy mode
	touchMu      sync.Mutex

	sf   singleflight.Group
	stop chan struct{}
}

func New(cfg Config, parser Parser, health HealthChecker) *Provider {
	if cfg.UpdateInterval < MinUpdateInterval {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.HealthConcurrency <= 0 {
		cfg.HealthConcurrency = DefaultHealthConcurrency
	}
	if cfg.StaleBound <= 0 {
		cfg.StaleBound = DefaultStaleBound
	}
	return &Provider{
		cfg:          cfg,
		parser:       parser,
		health:       health,
		touchedSince: make(map[string]time.Time),
		stop:         make(chan struct{}),
	}
}

func (p *Provider) Name() string       { return p.cfg.Name }
func (p *Provider) Behavior() Behavior { return p.cfg.Behavior }

func (p *Provider) Artifact() Artifact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.artifact
}

func (p *Provider) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

func (p *Provider) SubscriptionInfo() *SubscriptionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subInfo
}

func (p *Provider) MatchRuleSet(name string, md *metadata.Metadata) (matched, available bool) {
	art := p.Artifact()
	if art == nil {
		return false, false
	}
	return art.MatchRule(md), true
}

// Touch marks memberName as used since the last lazy health-check cycle
// (spec.md §4.6).
func (p *Provider) Touch(memberName string) {
	p.touchMu.Lock()
	defer p.touchMu.Unlock()
	p.touchedSince[memberName] = time.Now()
}

func (p *Provider) cachePath() string {
	return filepath.Join(p.cfg.CacheDir, "providers", p.cfg.Name+".cache")
}

func (p *Provider) metaPath() string {
	return p.cachePath() + ".meta"
}

// LoadCache attempts to load the on-disk cache on create, materializing
// immediately if present, before the first network fetch (spec.md §4.6
// step 1, and the Provider invariant in spec.md §3).
func (p *Provider) LoadCache() {
	if p.cfg.Source != SourceHTTP {
		return
	}
	raw, err := os.ReadFile(p.cachePath())
	if err != nil {
		return
	}
	art, err := p.parser(p.cfg.Behavior, raw)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.artifact = art
	p.mu.Unlock()

	if metaRaw, err := os.ReadFile(p.metaPath()); err == nil {
		var m Meta
		if gojson.Unmarshal(metaRaw, &m) == nil {
			p.mu.Lock()
			p.subInfo = m.SubscriptionInfo
			p.updatedAt = time.Unix(m.FetchedAt, 0)
			p.mu.Unlock()
		}
	}
}

// Start runs the refresh loop (and, for proxy providers, the health-check
// loop) until Stop is called. Both loops observe the shutdown signal within
// 1s (spec.md §4.6, §5).
func (p *Provider) Start(ctx context.Context) {
	if p.cfg.Source == SourceInline {
		art, err := p.parser(p.cfg.Behavior, p.cfg.InlineBody)
		if err == nil {
			p.mu.Lock()
			p.artifact = art
			p.mu.Unlock()
		}
		return
	}
	go p.refreshLoop(ctx)
	if p.cfg.Behavior == BehaviorProxies && p.health != nil {
		go p.healthLoop(ctx)
	}
}

func (p *Provider) Stop() { close(p.stop) }

func (p *Provider) refreshLoop(ctx context.Context) {
	backoff := MinBackoff
	for {
		err := p.refreshOnce(ctx)
		var sleep time.Duration
		if err != nil {
			sleep = backoff
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		} else {
			backoff = MinBackoff
			sleep = p.cfg.UpdateInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-time.After(sleep):
		}
	}
}

// refreshOnce fetches, validates, and atomically swaps the artifact on
// success; on failure it keeps the current artifact and records lastErr
// (spec.md §4.6 step 2/3, and the testable property in spec.md §8: refresh
// failure leaves artifact() unchanged).
func (p *Provider) refreshOnce(ctx context.Context) error {
	_, err, _ := p.sf.Do(p.cfg.Name, func() (any, error) {
		return nil, p.doFetch(ctx)
	})
	return err
}

func (p *Provider) doFetch(ctx context.Context) error {
	var raw []byte
	var subInfo *SubscriptionInfo
	switch p.cfg.Source {
	case SourceFile:
		b, err := os.ReadFile(p.cfg.FilePath)
		if err != nil {
			p.setErr(&xerr.ProviderError{Kind: xerr.ProviderFetch, Provider: p.cfg.Name, Err: err})
			return err
		}
		raw = b
	case SourceHTTP:
		fetchCtx, cancel := context.WithTimeout(ctx, DefaultFetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, p.cfg.URL, nil)
		if err != nil {
			p.setErr(err)
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			p.setErr(&xerr.ProviderError{Kind: xerr.ProviderFetch, Provider: p.cfg.Name, Err: err})
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := &xerr.ProviderError{Kind: xerr.ProviderFetch, Provider: p.cfg.Name, Err: xerr.ErrInErr{ErrDesc: "unexpected status", Data: resp.StatusCode}}
			p.setErr(err)
			return err
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			p.setErr(err)
			return err
		}
		raw = b
		subInfo = parseSubscriptionUserinfo(resp.Header.Get("Subscription-Userinfo"))
	default:
		return nil
	}

	art, err := p.parser(p.cfg.Behavior, raw)
	if err != nil {
		perr := &xerr.ProviderError{Kind: xerr.ProviderParse, Provider: p.cfg.Name, Err: err}
		p.setErr(perr)
		return perr
	}

	p.mu.Lock()
	p.artifact = art
	p.subInfo = subInfo
	p.updatedAt = time.Now()
	p.lastErr = nil
	p.mu.Unlock()

	if p.cfg.Source == SourceHTTP {
		p.persistCache(raw, subInfo)
	}
	return nil
}

func (p *Provider) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	if ce := logx.CanLogWarn("provider refresh failed"); ce != nil {
		ce.Write()
	}
}

func (p *Provider) persistCache(raw []byte, subInfo *SubscriptionInfo) {
	if err := os.MkdirAll(filepath.Dir(p.cachePath()), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(p.cachePath(), raw, 0o644)
	meta := Meta{FetchedAt: time.Now().Unix(), SubscriptionInfo: subInfo}
	if b, err := gojson.Marshal(meta); err == nil {
		_ = os.WriteFile(p.metaPath(), b, 0o644)
	}
}

func parseSubscriptionUserinfo(v string) *SubscriptionInfo {
	if v == "" {
		return nil
	}
	info := &SubscriptionInfo{}
	for _, part := range strings.Split(v, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "upload":
			info.Upload = n
		case "download":
			info.Download = n
		case "total":
			info.Total = n
		case "expire":
			info.ExpireUnix = n
		}
	}
	return info
}

// healthLoop runs the periodic parallel delay test with a concurrency cap.
// In lazy mode a member is only tested if touched since the last cycle or
// stale beyond StaleBound (spec.md §4.6).
func (p *Provider) healthLoop(ctx context.Context) {
	interval := p.cfg.HealthCheckEvery
	if interval <= 0 {
		interval = 300 * time.Second
	}
	lastTested := make(map[string]time.Time)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.healthCheckOnce(ctx, lastTested)
		}
	}
}

func (p *Provider) healthCheckOnce(ctx context.Context, lastTested map[string]time.Time) {
	art := p.Artifact()
	if art == nil {
		return
	}
	proxies := art.Proxies()

	p.touchMu.Lock()
	touched := make(map[string]time.Time, len(p.touchedSince))
	for k, v := range p.touchedSince {
		touched[k] = v
	}
	p.touchedSince = make(map[string]time.Time)
	p.touchMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	now := time.Now()
	// mu guards lastTested and testErrs: the fan-out goroutines below all
	// touch both.
	var mu sync.Mutex
	var testErrs error
	for _, proxy := range proxies {
		proxy := proxy
		if p.cfg.LazyMode {
			_, wasTouched := touched[proxy.Name()]
			mu.Lock()
			last := lastTested[proxy.Name()]
			mu.Unlock()
			if !wasTouched && now.Sub(last) <= p.cfg.StaleBound {
				continue
			}
		}
		g.Go(func() error {
			d, err := p.health(gctx, proxy)
			mu.Lock()
			lastTested[proxy.Name()] = time.Now()
			mu.Unlock()
			if mut, ok := proxy.(outbound.Mutable); ok {
				if err != nil {
					mut.SetAlive(false)
				} else {
					mut.SetAlive(true)
					mut.SetLastDelayMS(d.Milliseconds())
				}
			}
			if err != nil {
				mu.Lock()
				testErrs = multierr.Append(testErrs, err)
				mu.Unlock()
			}
			return nil // individual test failures never abort the fan-out
		})
	}
	g.Wait()
	if testErrs != nil {
		if ce := logx.CanLogDebug("health-check cycle finished with failures"); ce != nil {
			ce.Write(zap.String("provider", p.cfg.Name), zap.Error(testErrs))
		}
	}
}

// concurrency is the health fan-out cap, halved while the process reports
// memory pressure (SPEC_FULL.md memory_pressure supplement).
func (p *Provider) concurrency() int {
	n := p.cfg.HealthConcurrency
	if p.cfg.Pressure != nil && p.cfg.Pressure() {
		n = n / 2
		if n < 1 {
			n = 1
		}
	}
	return n
}
