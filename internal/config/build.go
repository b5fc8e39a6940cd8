package config

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yl2chen/cidranger"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/e1732a364fed/clashcore/internal/dns"
	"github.com/e1732a364fed/clashcore/internal/group"
	"github.com/e1732a364fed/clashcore/internal/logx"
	"github.com/e1732a364fed/clashcore/internal/memwatch"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/outbound/direct"
	"github.com/e1732a364fed/clashcore/internal/outbound/gofallback"
	"github.com/e1732a364fed/clashcore/internal/outbound/httpproxy"
	"github.com/e1732a364fed/clashcore/internal/outbound/hysteria2"
	"github.com/e1732a364fed/clashcore/internal/outbound/reject"
	"github.com/e1732a364fed/clashcore/internal/outbound/shadowsocks"
	"github.com/e1732a364fed/clashcore/internal/outbound/socks5"
	"github.com/e1732a364fed/clashcore/internal/outbound/trojan"
	"github.com/e1732a364fed/clashcore/internal/outbound/vless"
	"github.com/e1732a364fed/clashcore/internal/outbound/vmess"
	"github.com/e1732a364fed/clashcore/internal/provider"
	"github.com/e1732a364fed/clashcore/internal/registry"
	"github.com/e1732a364fed/clashcore/internal/rule"
	"github.com/e1732a364fed/clashcore/internal/stats"
	"github.com/e1732a364fed/clashcore/internal/tlspool"
	"github.com/e1732a364fed/clashcore/internal/tunnel"
)

// Runtime is every live object a loaded Document produces, ready for
// cmd/clashcore to start listeners against (spec.md §9 "one process, one
// configuration generation at a time").
type Runtime struct {
	Doc *Document

	Registry  *registry.Registry
	Resolver  *dns.Resolver
	FakeIP    *dns.FakeIPPool
	Pool      *tlspool.Pool
	Providers map[string]*provider.Provider
	Groups    map[string]group.Group
	Proxies   *outbound.Registry
	Rules     *rule.Engine
	Tunnel    *tunnel.Tunnel
	Stats     stats.Sink
	Memory    *memwatch.Watcher
	GoFallback *gofallback.Manager

	mode atomic.Value // string: rule, global, direct
}

// Mode returns the active routing mode.
func (rt *Runtime) Mode() string {
	m, _ := rt.mode.Load().(string)
	return m
}

// SetMode flips the routing mode at runtime; subsequent Handle calls see
// the new value through the snapshot closure.
func (rt *Runtime) SetMode(m string) bool {
	switch m {
	case "rule", "global", "direct":
		rt.mode.Store(m)
		return true
	}
	return false
}

// Build wires doc into a Runtime. Providers and groups are resolved in two
// passes since a group may reference either a named proxy or a provider
// (spec.md §4.5/§4.6).
func Build(doc *Document) (*Runtime, error) {
	logx.Init(logLevelToInt(doc.LogLevel))

	rt := &Runtime{
		Doc:        doc,
		Registry:   registry.New(),
		Pool:       tlspool.New(nil),
		Providers:  make(map[string]*provider.Provider),
		GoFallback: gofallback.NewManager(doc.GoFallbackBinary),
	}
	rt.mode.Store(doc.Mode)

	if doc.MemoryLimitMB > 0 {
		w, werr := memwatch.New(doc.MemoryLimitMB*1024*1024, 5*time.Second)
		if werr == nil {
			rt.Memory = w
			rt.Pool.Pressure = w.UnderPressure
		}
	}

	fakeIP, hostsMap, err := buildDNS(doc.DNS)
	if err != nil {
		return nil, err
	}
	rt.FakeIP = fakeIP
	rt.Resolver = dns.NewResolver(doc.DNS.Servers, hostsMap, fakeIP)

	proxies, err := buildProxies(doc.Proxies, rt.Pool, rt.GoFallback)
	if err != nil {
		return nil, err
	}
	proxies = append(proxies, direct.New(rt.Resolver), reject.New())
	rt.Proxies = outbound.NewRegistry(proxies)

	if err := buildProviders(doc, rt); err != nil {
		return nil, err
	}

	rt.Groups, err = buildGroups(doc.ProxyGroups, rt.Proxies, rt.Providers)
	if err != nil {
		return nil, err
	}
	ensureGlobalGroup(rt.Groups, proxies)

	ruleSetSrc := &providerRuleSource{providers: rt.Providers}
	parsedRules, err := parseRules(doc.Rules)
	if err != nil {
		return nil, err
	}
	geo := openGeoIP(doc.DataDir)
	rt.Rules, err = rule.New(parsedRules, ruleSetSrc, geo)
	if err != nil {
		return nil, err
	}

	snapshot := func() *tunnel.Snapshot {
		return &tunnel.Snapshot{Rules: rt.Rules, Proxies: rt.Proxies, Groups: rt.Groups, Mode: rt.Mode()}
	}
	rt.Tunnel = tunnel.New(snapshot, rt.Resolver, rt.Registry)

	if doc.Stats.InfluxURL != "" {
		rt.Stats = stats.NewInfluxSink(stats.InfluxConfig{
			URL: doc.Stats.InfluxURL, Token: doc.Stats.InfluxToken,
			Org: doc.Stats.InfluxOrg, Bucket: doc.Stats.InfluxBucket,
		})
	}

	return rt, nil
}

// ensureGlobalGroup adds the implicit GLOBAL selector over every concrete
// proxy when the config didn't define one, so global mode always has a
// target.
func ensureGlobalGroup(groups map[string]group.Group, proxies []outbound.Proxy) {
	if _, ok := groups["GLOBAL"]; ok {
		return
	}
	groups["GLOBAL"] = group.NewSelector("GLOBAL", proxies, "")
}

// openGeoIP loads <data-dir>/country.mmdb when present; GEOIP rules soft-
// skip without it (spec.md §4.2, open question resolved to soft skip).
func openGeoIP(dataDir string) rule.GeoReader {
	r, err := rule.OpenGeoIP(filepath.Join(dataDir, "country.mmdb"))
	if err != nil {
		return nil
	}
	return r
}

func logLevelToInt(s string) int {
	switch strings.ToLower(s) {
	case "debug":
		return logx.LevelDebug
	case "warning", "warn":
		return logx.LevelWarning
	case "error":
		return logx.LevelError
	case "silent":
		return logx.LevelSilent
	default:
		return logx.LevelInfo
	}
}

// buildProxies validates every entry before failing, so one bad proxy line
// reports alongside its siblings instead of masking them.
func buildProxies(cfgs []ProxyConfig, pool *tlspool.Pool, gf *gofallback.Manager) ([]outbound.Proxy, error) {
	out := make([]outbound.Proxy, 0, len(cfgs))
	var errs error
	for _, c := range cfgs {
		p, err := buildOneProxy(c, pool, gf)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("proxy %q: %w", c.Name, err))
			continue
		}
		out = append(out, p)
	}
	if errs != nil {
		return nil, errs
	}
	return out, nil
}

func buildOneProxy(c ProxyConfig, pool *tlspool.Pool, gf *gofallback.Manager) (outbound.Proxy, error) {
	switch c.Type {
	case "ss", "shadowsocks":
		return shadowsocks.New(shadowsocks.Config{
			Name: c.Name, Server: c.Server, Port: c.Port, Method: c.Method, Password: c.Password,
		})
	case "trojan":
		return trojan.New(trojan.Config{
			Name: c.Name, Server: c.Server, Port: c.Port, Password: c.Password,
			SNI: c.SNI, ALPN: c.ALPN, SkipCertVerify: c.SkipCertVerify,
		}, pool), nil
	case "vless":
		return vless.New(vless.Config{
			Name: c.Name, Server: c.Server, Port: c.Port, UUID: c.UUID,
			SNI: c.SNI, ALPN: c.ALPN, SkipCertVerify: c.SkipCertVerify,
		}, pool)
	case "vmess":
		return vmess.New(vmess.Config{Name: c.Name, Server: c.Server, Port: c.Port, UUID: c.UUID})
	case "hysteria2":
		return hysteria2.New(hysteria2.Config{
			Name: c.Name, Server: c.Server, Port: c.Port, Password: c.Password,
			SNI: c.SNI, SkipCertVerify: c.SkipCertVerify,
		}), nil
	case "http":
		return httpproxy.New(httpproxy.Config{
			Name: c.Name, Server: c.Server, Port: c.Port, Username: c.Username,
			Password: c.Password, TLS: c.TLS, SNI: c.SNI,
		}), nil
	case "socks5":
		return socks5.New(socks5.Config{
			Name: c.Name, Server: c.Server, Port: c.Port, Username: c.Username, Password: c.Password,
		}), nil
	case "gofallback":
		return gofallback.New(gofallback.Config{Name: c.Name, Protocol: c.Protocol}, gf), nil
	default:
		return nil, fmt.Errorf("unknown proxy type %q", c.Type)
	}
}

// buildGroups resolves each group's membership from direct proxy names and
// provider-sourced proxies (spec.md §4.5/§4.6). Provider-backed members are
// copied once from the provider's Artifact when the group is built (at that
// point only the on-disk cache has been loaded); a later provider refresh
// does not change the group's membership.
func buildGroups(cfgs []ProxyGroupConfig, proxies *outbound.Registry, providers map[string]*provider.Provider) (map[string]group.Group, error) {
	out := make(map[string]group.Group, len(cfgs))
	for _, c := range cfgs {
		members := make([]outbound.Proxy, 0, len(c.Proxies))
		for _, name := range c.Proxies {
			p, ok := proxies.Get(name)
			if !ok {
				return nil, fmt.Errorf("group %q references unknown proxy %q", c.Name, name)
			}
			members = append(members, p)
		}
		for _, provName := range c.Use {
			prov, ok := providers[provName]
			if !ok {
				return nil, fmt.Errorf("group %q references unknown provider %q", c.Name, provName)
			}
			if art := prov.Artifact(); art != nil {
				members = append(members, art.Proxies()...)
			}
		}

		interval := intervalOrDefault(c.Interval, 300*time.Second)
		delayer := group.HTTPDelayer(5 * time.Second)
		switch c.Type {
		case "selector":
			out[c.Name] = group.NewSelector(c.Name, members, "")
		case "url-test", "urltest":
			g := group.NewURLTest(c.Name, members, testURLOrDefault(c.URL), interval)
			g.Delayer = delayer
			out[c.Name] = g
		case "fallback":
			g := group.NewFallback(c.Name, members, testURLOrDefault(c.URL), interval)
			g.Delayer = delayer
			out[c.Name] = g
		case "load-balance", "loadbalance":
			policy := group.LBRoundRobin
			if c.Strategy == "consistent-hash" {
				policy = group.LBConsistentHash
			}
			out[c.Name] = group.NewLoadBalance(c.Name, members, policy)
		default:
			return nil, fmt.Errorf("group %q: unknown type %q", c.Name, c.Type)
		}
	}
	return out, nil
}

func buildProviders(doc *Document, rt *Runtime) error {
	var pressure func() bool
	if rt.Memory != nil {
		pressure = rt.Memory.UnderPressure
	}
	for name, c := range doc.ProxyProviders {
		checkURL := testURLOrDefault(c.HealthCheckURL)
		delayer := group.HTTPDelayer(5 * time.Second)
		health := func(ctx context.Context, p outbound.Proxy) (time.Duration, error) {
			return delayer(ctx, p, checkURL)
		}
		p := provider.New(provider.Config{
			Name: name, Behavior: provider.BehaviorProxies, Source: provider.SourceKind(c.Type),
			URL: c.URL, FilePath: c.Path, UpdateInterval: intervalOrDefault(c.Interval, provider.DefaultUpdateInterval),
			HealthCheckURL: checkURL, HealthCheckEvery: intervalOrDefault(c.HealthCheckEvery, 300*time.Second),
			LazyMode: c.Lazy, CacheDir: doc.DataDir, Pressure: pressure,
		}, parseProxyArtifact, health)
		p.LoadCache()
		rt.Providers[name] = p
	}
	for name, c := range doc.RuleProviders {
		behavior := provider.Behavior(c.Behavior)
		p := provider.New(provider.Config{
			Name: name, Behavior: behavior, Source: provider.SourceKind(c.Type),
			URL: c.URL, FilePath: c.Path, UpdateInterval: intervalOrDefault(c.Interval, provider.DefaultUpdateInterval),
			CacheDir: doc.DataDir,
		}, parseRuleArtifact, nil)
		p.LoadCache()
		rt.Providers[name] = p
	}
	return nil
}

// Start begins every background loop a Runtime owns (provider refresh,
// health-check, URLTest/Fallback testers, memory watch, stats push) until
// ctx is cancelled (spec.md §5 "graceful shutdown").
func (rt *Runtime) Start(ctx context.Context) {
	for _, p := range rt.Providers {
		p.Start(ctx)
	}
	for _, g := range rt.Groups {
		switch gg := g.(type) {
		case *group.URLTest:
			go gg.Run(ctx)
		case *group.Fallback:
			go gg.Run(ctx)
		}
	}
	if rt.Memory != nil {
		go rt.Memory.Run(ctx)
	}
	go rt.Pool.RunWarmer(ctx, 5*time.Second, tlspool.DefaultWarmupWindow)
	if rt.Stats != nil {
		go stats.RunPeriodicPush(ctx, rt.Registry, rt.Stats, intervalOrDefault(rt.Doc.Stats.PushInterval, 10*time.Second))
	}
}

// ---------------------------------------------------------------- providers

type providerRuleSource struct {
	providers map[string]*provider.Provider
}

func (s *providerRuleSource) MatchRuleSet(name string, md *metadata.Metadata) (bool, bool) {
	p, ok := s.providers[name]
	if !ok {
		return false, false
	}
	return p.MatchRuleSet(name, md)
}

// simpleProxyArtifact/simpleRuleArtifact are the provider.Artifact
// implementations behind parseProxyArtifact/parseRuleArtifact.
type simpleProxyArtifact struct{ proxies []outbound.Proxy }

func (a *simpleProxyArtifact) Proxies() []outbound.Proxy                 { return a.proxies }
func (a *simpleProxyArtifact) MatchRule(md *metadata.Metadata) bool      { return false }

type simpleRuleArtifact struct {
	trie  *rule.DomainTrie
	exact bool
}

func (a *simpleRuleArtifact) Proxies() []outbound.Proxy { return nil }
func (a *simpleRuleArtifact) MatchRule(md *metadata.Metadata) bool {
	if a.exact {
		return a.trie.MatchExact(md.Host())
	}
	return a.trie.MatchSuffix(md.Host())
}

// cidrRuleArtifact backs rule-ipcidr providers with the same radix trie a
// normal IP-CIDR rule line uses.
type cidrRuleArtifact struct {
	ranger cidranger.Ranger
}

func (a *cidrRuleArtifact) Proxies() []outbound.Proxy { return nil }
func (a *cidrRuleArtifact) MatchRule(md *metadata.Metadata) bool {
	if md.DestIP == nil {
		return false
	}
	ok, _ := a.ranger.Contains(md.DestIP)
	return ok
}

// parseProxyArtifact parses a provider body shaped like the top-level
// config's "proxies:" list (spec.md §4.6 "proxies behavior").
func parseProxyArtifact(behavior provider.Behavior, raw []byte) (provider.Artifact, error) {
	var doc struct {
		Proxies []ProxyConfig `yaml:"proxies"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	proxies, err := buildProxies(doc.Proxies, nil, nil)
	if err != nil {
		return nil, err
	}
	return &simpleProxyArtifact{proxies: proxies}, nil
}

// parseRuleArtifact parses a provider body as a flat newline-delimited list
// of domain suffixes or CIDRs (spec.md §4.6 "rule-domain"/"rule-ipcidr"
// behaviors). Any other behavior, rule-classical included, keeps only the
// "KIND,payload" lines whose kind starts with DOMAIN and inserts each payload
// as a domain suffix; lines of other rule kinds are skipped.
func parseRuleArtifact(behavior provider.Behavior, raw []byte) (provider.Artifact, error) {
	switch behavior {
	case provider.BehaviorRuleDomain:
		trie := rule.NewDomainTrie()
		sc := bufio.NewScanner(bytes.NewReader(raw))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			trie.InsertSuffix(line)
		}
		return &simpleRuleArtifact{trie: trie}, nil
	case provider.BehaviorRuleIPCIDR:
		ranger := cidranger.NewPCTrieRanger()
		sc := bufio.NewScanner(bytes.NewReader(raw))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			_, network, err := net.ParseCIDR(line)
			if err != nil {
				continue
			}
			ranger.Insert(cidranger.NewBasicRangerEntry(*network))
		}
		return &cidrRuleArtifact{ranger: ranger}, nil
	default:
		trie := rule.NewDomainTrie()
		sc := bufio.NewScanner(bytes.NewReader(raw))
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") || !strings.HasPrefix(line, "DOMAIN") {
				continue
			}
			parts := strings.Split(line, ",")
			if len(parts) >= 2 {
				trie.InsertSuffix(parts[1])
			}
		}
		return &simpleRuleArtifact{trie: trie}, nil
	}
}

// -------------------------------------------------------------------- rules

// parseRules turns "KIND,payload,target[,params...]" lines into
// rule.Rule values (spec.md §4.2, §6 rules section).
func parseRules(lines []string) ([]rule.Rule, error) {
	out := make([]rule.Rule, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		kind := rule.Kind(strings.ToUpper(parts[0]))

		if kind == rule.KindMatch {
			if len(parts) < 2 {
				return nil, fmt.Errorf("invalid MATCH rule: %q", line)
			}
			out = append(out, rule.Rule{Kind: kind, Target: parts[1]})
			continue
		}
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid rule: %q", line)
		}
		r := rule.Rule{Kind: kind, Payload: parts[1], Target: parts[2]}
		for _, opt := range parts[3:] {
			switch strings.TrimSpace(opt) {
			case "no-resolve":
				r.Params.NoResolve = true
			case "src":
				r.Params.Src = true
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// -------------------------------------------------------------------- dns

func buildDNS(c DNSConfig) (*dns.FakeIPPool, map[string]net.IP, error) {
	hostsMap := make(map[string]net.IP, len(c.Hosts))
	for host, ipStr := range c.Hosts {
		if ip := net.ParseIP(ipStr); ip != nil {
			hostsMap[host] = ip
		}
	}
	if !c.FakeIPEnable {
		return nil, hostsMap, nil
	}
	cidr := c.FakeIPRange
	if cidr == "" {
		cidr = "198.18.0.0/16"
	}
	pool, err := dns.NewFakeIPPool(cidr)
	if err != nil {
		return nil, nil, err
	}
	return pool, hostsMap, nil
}

func testURLOrDefault(u string) string {
	if u == "" {
		return "http://www.gstatic.com/generate_204"
	}
	return u
}
