// Package rule implements the rule engine (spec.md §4.2): ordered
// evaluation of typed rules against a Metadata record, first match wins,
// MATCH as the terminal catch-all. IP-CIDR/IP-CIDR6 use
// github.com/yl2chen/cidranger (teacher dependency); GEOIP consults an
// MMDB reader via github.com/oschwald/maxminddb-golang (teacher dependency,
// also seen in NiuStar-anytls-go).
package rule

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"github.com/yl2chen/cidranger"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/xerr"
	"github.com/e1732a364fed/clashcore/internal/logx"
)

type Kind string

const (
	KindDomain        Kind = "DOMAIN"
	KindDomainSuffix  Kind = "DOMAIN-SUFFIX"
	KindDomainKeyword Kind = "DOMAIN-KEYWORD"
	KindDomainRegex   Kind = "DOMAIN-REGEX"
	KindIPCIDR        Kind = "IP-CIDR"
	KindIPCIDR6       Kind = "IP-CIDR6"
	KindGeoIP         Kind = "GEOIP"
	KindSrcIPCIDR     Kind = "SRC-IP-CIDR"
	KindDstPort       Kind = "DST-PORT"
	KindSrcPort       Kind = "SRC-PORT"
	KindProcessName   Kind = "PROCESS-NAME"
	KindProcessPath   Kind = "PROCESS-PATH"
	KindNetwork       Kind = "NETWORK"
	KindRuleSet       Kind = "RULE-SET"
	KindMatch         Kind = "MATCH"
)

// Params carries a rule's trailing options, e.g. "DOMAIN,x.com,PROXY,no-resolve".
type Params struct {
	NoResolve bool
	Src       bool
}

// Rule is one parsed line of the rules config section.
type Rule struct {
	Kind    Kind
	Payload string
	Target  string
	Params  Params
}

// RuleSetSource is what a RULE-SET rule delegates matching to: the named
// provider's compiled matcher. Implemented by internal/provider.
type RuleSetSource interface {
	// MatchRuleSet reports (matched, available). available=false means the
	// provider has no usable snapshot yet (first fetch failed, no cache) —
	// per spec.md §4.2 the rule then deterministically does not match.
	MatchRuleSet(name string, md *metadata.Metadata) (matched, available bool)
}

// GeoReader is the minimal maxminddb surface the GEOIP matcher needs.
type GeoReader interface {
	Lookup(ip net.IP, result any) error
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Engine is an immutable, atomically-swappable compiled rule set: a fresh
// Engine is built per config reload and installed via a pointer flip
// (spec.md §9 "Dynamic reconfiguration"), never mutated in place.
type Engine struct {
	rules []compiledRule

	ruleSets RuleSetSource
	geo      GeoReader
	geoWarn  sync.Once

	defaultTarget string // MATCH's target if the user never specified one
}

type compiledRule struct {
	raw Rule

	domainTrie   *DomainTrie // only set for per-kind tries below
	exactTrie    *DomainTrie
	suffixTrie   *DomainTrie
	keyword      string
	regex        *regexp.Regexp
	ranger       cidranger.Ranger
	country      string
	port         uint16
	processName  string
	processPath  string
	network      metadata.Network
	ruleSetName  string
}

// New compiles rules in declaration order. ruleSets/geo may be nil; GEOIP
// rules with a nil geo reader deterministically miss with a one-time
// warning (spec.md §4.2, SPEC_FULL open question: soft skip).
func New(rules []Rule, ruleSets RuleSetSource, geo GeoReader) (*Engine, error) {
	e := &Engine{ruleSets: ruleSets, geo: geo, defaultTarget: "DIRECT"}
	for _, r := range rules {
		cr, err := compile(r)
		if err != nil {
			return nil, err
		}
		if r.Kind == KindMatch {
			e.defaultTarget = r.Target
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

func compile(r Rule) (compiledRule, error) {
	cr := compiledRule{raw: r}
	switch r.Kind {
	case KindDomain:
		t := NewDomainTrie()
		t.InsertExact(r.Payload)
		cr.exactTrie = t
	case KindDomainSuffix:
		t := NewDomainTrie()
		t.InsertSuffix(r.Payload)
		cr.suffixTrie = t
	case KindDomainKeyword:
		cr.keyword = strings.ToLower(r.Payload)
	case KindDomainRegex:
		re, err := regexp.Compile(r.Payload)
		if err != nil {
			return cr, &xerr.RuleError{Kind: xerr.RuleUnknownTarget, Target: r.Payload}
		}
		cr.regex = re
	case KindIPCIDR, KindIPCIDR6, KindSrcIPCIDR:
		ranger := cidranger.NewPCTrieRanger()
		_, network, err := net.ParseCIDR(r.Payload)
		if err != nil {
			return cr, err
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return cr, err
		}
		cr.ranger = ranger
	case KindGeoIP:
		cr.country = strings.ToUpper(r.Payload)
	case KindDstPort, KindSrcPort:
		p, err := strconv.Atoi(r.Payload)
		if err != nil {
			return cr, err
		}
		cr.port = uint16(p)
	case KindProcessName:
		cr.processName = r.Payload
	case KindProcessPath:
		cr.processPath = r.Payload
	case KindNetwork:
		cr.network = metadata.Network(strings.ToLower(r.Payload))
	case KindRuleSet:
		cr.ruleSetName = r.Payload
	case KindMatch:
		// no payload to compile
	}
	return cr, nil
}

// Match evaluates rules in declaration order; the first match wins. If none
// match, returns the implicit/explicit MATCH target (spec.md §4.2).
// Evaluation is pure and idempotent given (Metadata, rule-set snapshot): two
// consecutive calls on an unchanged Engine return the same rule index
// (spec.md §4.2 invariant, verified in engine_test.go).
func (e *Engine) Match(md *metadata.Metadata) (target string, matchedKind Kind, err error) {
	for _, cr := range e.rules {
		ok, hardErr := e.evalOne(cr, md)
		if hardErr != nil {
			return "", "", hardErr
		}
		if ok {
			if cr.raw.Kind != KindMatch {
				md.RuleTarget = cr.raw.Target
			}
			return cr.raw.Target, cr.raw.Kind, nil
		}
	}
	md.RuleTarget = e.defaultTarget
	return e.defaultTarget, KindMatch, nil
}

func (e *Engine) evalOne(cr compiledRule, md *metadata.Metadata) (bool, error) {
	switch cr.raw.Kind {
	case KindDomain:
		return cr.exactTrie.MatchExact(md.Host()), nil
	case KindDomainSuffix:
		return cr.suffixTrie.MatchSuffix(md.Host()), nil
	case KindDomainKeyword:
		return strings.Contains(strings.ToLower(md.Host()), cr.keyword), nil
	case KindDomainRegex:
		return cr.regex.MatchString(md.Host()), nil
	case KindIPCIDR, KindIPCIDR6:
		ip := md.DestIP
		if ip == nil {
			return false, nil // no-resolve semantics handled upstream by the tunnel
		}
		ok, _ := cr.ranger.Contains(ip)
		return ok, nil
	case KindSrcIPCIDR:
		host, _, err := net.SplitHostPort(md.SourceAddr.String())
		if err != nil {
			return false, nil
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return false, nil
		}
		ok, _ := cr.ranger.Contains(ip)
		return ok, nil
	case KindGeoIP:
		return e.matchGeoIP(cr.country, md)
	case KindDstPort:
		return md.DestPort == cr.port, nil
	case KindSrcPort:
		host, portStr, err := net.SplitHostPort(md.SourceAddr.String())
		_ = host
		if err != nil {
			return false, nil
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return false, nil
		}
		return uint16(p) == cr.port, nil
	case KindProcessName:
		if md.ProcessName == "" {
			return false, nil
		}
		return md.ProcessName == cr.processName, nil
	case KindProcessPath:
		if md.ProcessPath == "" {
			return false, nil
		}
		return md.ProcessPath == cr.processPath, nil
	case KindNetwork:
		return md.Network == cr.network, nil
	case KindRuleSet:
		if e.ruleSets == nil {
			return false, nil
		}
		matched, available := e.ruleSets.MatchRuleSet(cr.ruleSetName, md)
		if !available {
			return false, nil
		}
		return matched, nil
	case KindMatch:
		return true, nil
	}
	return false, nil
}

func (e *Engine) matchGeoIP(country string, md *metadata.Metadata) (bool, error) {
	if e.geo == nil {
		e.geoWarn.Do(func() {
			if ce := logx.CanLogWarn("GEOIP rule present but no mmdb reader loaded; GEOIP rules will not match"); ce != nil {
				ce.Write()
			}
		})
		return false, nil
	}
	if md.DestIP == nil {
		return false, nil
	}
	var rec geoRecord
	if err := e.geo.Lookup(md.DestIP, &rec); err != nil {
		return false, nil
	}
	return strings.EqualFold(rec.Country.ISOCode, country), nil
}

// HasUnresolvedIPDependency reports whether any compiled rule needs a
// resolved IP (IP-CIDR/IP-CIDR6/GEOIP without no-resolve). The tunnel
// consults this once per connection to decide whether to resolve eagerly
// before running Match (spec.md §4.1 step 1).
func (e *Engine) HasUnresolvedIPDependency() bool {
	for _, cr := range e.rules {
		switch cr.raw.Kind {
		case KindIPCIDR, KindIPCIDR6, KindGeoIP:
			if !cr.raw.Params.NoResolve {
				return true
			}
		}
	}
	return false
}

// OpenGeoIP opens an mmdb file as a GeoReader (spec.md §6 persisted state:
// <data-dir>/country.mmdb).
func OpenGeoIP(path string) (*maxminddb.Reader, error) {
	return maxminddb.Open(path)
}
