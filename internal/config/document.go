// Package config loads the YAML configuration document (spec.md §6) and
// wires it into the collaborators internal/tunnel needs: outbound proxies,
// groups, the rule engine, providers, and the DNS resolver. Grounded on the
// teacher's config.go/configs.go (unmarshal into a plain Go struct, then a
// separate "build" pass that turns config into live objects), with
// gopkg.in/yaml.v3 in place of the teacher's TOML, and generalized from
// verysimple's single inbound/outbound pair.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document mirrors the top-level YAML shape (spec.md §6).
type Document struct {
	LogLevel    string   `yaml:"log-level"`
	Mode        string   `yaml:"mode"` // rule, global, direct
	AllowLAN    bool     `yaml:"allow-lan"`
	BindAddress string   `yaml:"bind-address"`
	IPv6        bool     `yaml:"ipv6"`

	Inbound []InboundConfig `yaml:"inbound"`
	DNS     DNSConfig       `yaml:"dns"`

	Proxies       []ProxyConfig       `yaml:"proxies"`
	ProxyGroups   []ProxyGroupConfig  `yaml:"proxy-groups"`
	ProxyProviders map[string]ProviderConfig `yaml:"proxy-providers"`
	RuleProviders  map[string]ProviderConfig `yaml:"rule-providers"`

	Rules []string `yaml:"rules"`

	Control  ControlConfig  `yaml:"external-controller-opts"`
	DataDir  string         `yaml:"data-dir"`
	Stats    StatsConfig    `yaml:"stats"`
	MemoryLimitMB int64     `yaml:"memory-limit-mb"`
	GoFallbackBinary string `yaml:"go-fallback-binary"`
}

type InboundConfig struct {
	Kind     string `yaml:"type"` // http, socks5, mixed
	Addr     string `yaml:"listen"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type DNSConfig struct {
	Enable       bool     `yaml:"enable"`
	Listen       string   `yaml:"listen"`
	Servers      []string `yaml:"nameserver"`
	FakeIPEnable bool     `yaml:"fake-ip-enable"`
	FakeIPRange  string   `yaml:"fake-ip-range"`
	Hosts        map[string]string `yaml:"hosts"`
}

type ProxyConfig struct {
	Name           string `yaml:"name"`
	Type           string `yaml:"type"`
	Server         string `yaml:"server"`
	Port           uint16 `yaml:"port"`
	UUID           string `yaml:"uuid"`
	Password       string `yaml:"password"`
	Method         string `yaml:"cipher"`
	SNI            string `yaml:"sni"`
	ALPN           string `yaml:"alpn"`
	SkipCertVerify bool   `yaml:"skip-cert-verify"`
	Username       string `yaml:"username"`
	TLS            bool   `yaml:"tls"`
	Protocol       string `yaml:"protocol"` // gofallback's sidecar protocol name
}

type ProxyGroupConfig struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // selector, url-test, fallback, load-balance
	Proxies  []string `yaml:"proxies"`
	Use      []string `yaml:"use"` // provider names
	URL      string   `yaml:"url"`
	Interval int      `yaml:"interval"` // seconds
	Strategy string   `yaml:"strategy"` // load-balance: round-robin, consistent-hash
}

type ProviderConfig struct {
	Type             string `yaml:"type"` // http, file, inline
	Behavior         string `yaml:"behavior"`
	URL              string `yaml:"url"`
	Path             string `yaml:"path"`
	Interval         int    `yaml:"interval"`
	HealthCheckURL   string `yaml:"health-check-url"`
	HealthCheckEvery int    `yaml:"health-check-interval"`
	Lazy             bool   `yaml:"lazy"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
	Secret string `yaml:"secret"`
	JWT    bool   `yaml:"jwt"`
}

type StatsConfig struct {
	InfluxURL    string `yaml:"influx-url"`
	InfluxToken  string `yaml:"influx-token"`
	InfluxOrg    string `yaml:"influx-org"`
	InfluxBucket string `yaml:"influx-bucket"`
	PushInterval int    `yaml:"push-interval"`
}

func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	doc.applyDefaults()
	return &doc, nil
}

func (d *Document) applyDefaults() {
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	if d.Mode == "" {
		d.Mode = "rule"
	}
	if d.BindAddress == "" {
		d.BindAddress = "127.0.0.1"
	}
	if d.DataDir == "" {
		d.DataDir = "./data"
	}
}

func intervalOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
