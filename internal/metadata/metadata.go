// Package metadata defines Metadata, the per-connection routing record
// produced by an inbound and consumed by the rule engine, the outbound
// dialer abstraction, and the statistics registry (spec.md §3).
package metadata

import "net"

type Network string

const (
	NetworkTCP Network = "tcp"
	NetworkUDP Network = "udp"
)

type InboundKind string

const (
	InboundHTTP        InboundKind = "http"
	InboundHTTPConnect InboundKind = "http-connect"
	InboundSocks5      InboundKind = "socks5"
	InboundMixed       InboundKind = "mixed"
	InboundTun         InboundKind = "tun"
)

// Metadata is the per-connection routing input. It is produced once by the
// inbound decoder and then read (and selectively filled in, e.g. by a
// synchronous resolve) by every downstream stage.
type Metadata struct {
	Network     Network
	InboundKind InboundKind

	SourceAddr net.Addr

	DestHost string
	DestIP   net.IP
	DestPort uint16

	ProcessName string
	ProcessPath string

	SniffedHost string

	User string

	// RuleTarget is set once the rule engine has matched, purely for the
	// control-plane connections view (SPEC_FULL.md §3 expansion).
	RuleTarget string

	// SpecialProxy carries an inline per-rule override parsed from a rule's
	// params, mirroring Clash's rule-provider "inline override" extension
	// (SPEC_FULL.md §3 expansion, grounded in original_source/src/rule/engine.rs).
	SpecialProxy string
}

// Host returns DestHost if set, else the textual form of DestIP. Rule
// matchers that only need "some identifier of the destination" use this.
func (m *Metadata) Host() string {
	if m.DestHost != "" {
		return m.DestHost
	}
	if m.DestIP != nil {
		return m.DestIP.String()
	}
	return ""
}

// RemoteAddress renders "host:port" the way net.Dial expects it, preferring
// DestHost when present so name-based outbounds (CONNECT, SOCKS5, trojan)
// carry the hostname through, falling back to DestIP.
func (m *Metadata) RemoteAddress() string {
	host := m.DestHost
	if host == "" && m.DestIP != nil {
		host = m.DestIP.String()
	}
	return net.JoinHostPort(host, portStr(m.DestPort))
}

// HasIP reports whether an IP is already known, without triggering resolve.
func (m *Metadata) HasIP() bool { return m.DestIP != nil }

func portStr(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
