package metadata

import (
	"net"
	"testing"
)

func TestHostPrefersName(t *testing.T) {
	md := &Metadata{DestHost: "example.com", DestIP: net.ParseIP("1.2.3.4")}
	if md.Host() != "example.com" {
		t.Errorf("Host = %q", md.Host())
	}
	md2 := &Metadata{DestIP: net.ParseIP("1.2.3.4")}
	if md2.Host() != "1.2.3.4" {
		t.Errorf("Host = %q", md2.Host())
	}
	if (&Metadata{}).Host() != "" {
		t.Error("empty metadata must yield empty host")
	}
}

func TestRemoteAddressPrefersHost(t *testing.T) {
	md := &Metadata{DestHost: "example.com", DestIP: net.ParseIP("198.18.0.7"), DestPort: 443}
	if md.RemoteAddress() != "example.com:443" {
		t.Errorf("RemoteAddress = %q", md.RemoteAddress())
	}
	md2 := &Metadata{DestIP: net.ParseIP("2001:db8::1"), DestPort: 8080}
	if md2.RemoteAddress() != "[2001:db8::1]:8080" {
		t.Errorf("v6 RemoteAddress = %q", md2.RemoteAddress())
	}
}

func TestHasIP(t *testing.T) {
	if (&Metadata{}).HasIP() {
		t.Error("no ip set")
	}
	if !(&Metadata{DestIP: net.IPv4(1, 1, 1, 1)}).HasIP() {
		t.Error("ip set")
	}
}
