// Package xerr carries forward the teacher's utils.ErrInErr composite-error
// idiom (an error that wraps a cause plus optional data) and adds the typed
// error kinds named in spec.md §7: DnsError, DialError, RelayError,
// ProviderError, RuleError, ControlError, ConfigError.
package xerr

import "fmt"

// ErrInErr mirrors the teacher's utils.ErrInErr: a description, an optional
// wrapped cause, and optional attached data for logging.
type ErrInErr struct {
	ErrDesc   string
	ErrDetail error
	Data      any
}

func (e ErrInErr) Error() string { return e.String() }

func (e ErrInErr) Unwrap() error { return e.ErrDetail }

func (e ErrInErr) Is(err error) bool { return e.ErrDetail == err }

func (e ErrInErr) String() string {
	if e.Data != nil {
		if e.ErrDetail != nil {
			return fmt.Sprintf("%s: %s, data: %v", e.ErrDesc, e.ErrDetail.Error(), e.Data)
		}
		return fmt.Sprintf("%s, data: %v", e.ErrDesc, e.Data)
	}
	if e.ErrDetail != nil {
		return fmt.Sprintf("%s: %s", e.ErrDesc, e.ErrDetail.Error())
	}
	return e.ErrDesc
}

// DnsKind enumerates DnsError sub-kinds (spec.md §7).
type DnsKind int

const (
	DnsTimeout DnsKind = iota
	DnsNoRecords
	DnsRefused
)

type DnsError struct {
	Kind DnsKind
	Host string
	Err  error
}

func (e *DnsError) Error() string {
	return fmt.Sprintf("dns error resolving %q: %v", e.Host, e.Err)
}
func (e *DnsError) Unwrap() error { return e.Err }

// DialKind enumerates DialError sub-kinds (spec.md §7): these are always
// surfaced to the connection and are never transparently retried.
type DialKind int

const (
	DialTcp DialKind = iota
	DialTls
	DialAuth
	DialProtocol
	DialTimeout
	DialDns
)

func (k DialKind) String() string {
	switch k {
	case DialTcp:
		return "tcp"
	case DialTls:
		return "tls"
	case DialAuth:
		return "auth"
	case DialProtocol:
		return "protocol"
	case DialTimeout:
		return "timeout"
	case DialDns:
		return "dns"
	default:
		return "unknown"
	}
}

type DialError struct {
	Kind  DialKind
	Proxy string
	Err   error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial error on %q [%s]: %v", e.Proxy, e.Kind, e.Err)
}
func (e *DialError) Unwrap() error { return e.Err }

// RelayKind enumerates RelayError sub-kinds. Relay errors are swallowed by
// the tunnel (the connection simply ends) rather than surfaced.
type RelayKind int

const (
	RelayEof RelayKind = iota
	RelayReset
	RelayIdle
)

type RelayError struct {
	Kind RelayKind
	Err  error
}

func (e *RelayError) Error() string { return fmt.Sprintf("relay error: %v (%v)", e.Err, e.Kind) }
func (e *RelayError) Unwrap() error { return e.Err }

// ProviderKind enumerates ProviderError sub-kinds, surfaced to the control
// plane as provider status rather than to any one connection.
type ProviderKind int

const (
	ProviderFetch ProviderKind = iota
	ProviderParse
	ProviderValidate
)

type ProviderError struct {
	Kind     ProviderKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q error: %v", e.Provider, e.Err)
}
func (e *ProviderError) Unwrap() error { return e.Err }

// RuleKind enumerates RuleError sub-kinds.
type RuleKind int

const (
	RuleCycle RuleKind = iota
	RuleUnknownTarget
)

type RuleError struct {
	Kind   RuleKind
	Target string
}

func (e *RuleError) Error() string {
	switch e.Kind {
	case RuleCycle:
		return fmt.Sprintf("rule engine: group cycle detected at %q", e.Target)
	default:
		return fmt.Sprintf("rule engine: unknown target %q", e.Target)
	}
}

// ControlKind enumerates ControlError sub-kinds for the adapter layer.
type ControlKind int

const (
	ControlNotFound ControlKind = iota
	ControlInvalidArg
)

type ControlError struct {
	Kind ControlKind
	Msg  string
}

func (e *ControlError) Error() string { return e.Msg }

// ConfigError wraps load/validate failures surfaced to the control plane.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config error (%s): %v", e.Path, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }
