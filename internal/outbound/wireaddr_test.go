package outbound

import (
	"bytes"
	"net"
	"testing"

	"github.com/e1732a364fed/clashcore/internal/metadata"
)

func TestEncodeDecodeSocks5AddrRoundTrip(t *testing.T) {
	cases := []*metadata.Metadata{
		{DestHost: "example.com", DestPort: 443},
		{DestIP: net.ParseIP("1.2.3.4"), DestPort: 80},
		{DestIP: net.ParseIP("2001:db8::1"), DestPort: 8443},
	}
	for _, md := range cases {
		encoded := EncodeSocks5Addr(md)
		host, ip, port, err := DecodeSocks5Addr(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("decode failed for %+v: %v", md, err)
		}
		if port != md.DestPort {
			t.Errorf("port mismatch: got %d want %d", port, md.DestPort)
		}
		if md.DestHost != "" && host != md.DestHost {
			t.Errorf("host mismatch: got %q want %q", host, md.DestHost)
		}
		if md.DestIP != nil {
			if ip == nil || !ip.Equal(md.DestIP) {
				t.Errorf("ip mismatch: got %v want %v", ip, md.DestIP)
			}
		}
	}
}

func TestDecodeSocks5AddrUnknownType(t *testing.T) {
	_, _, _, err := DecodeSocks5Addr(bytes.NewReader([]byte{0xEE}))
	if err == nil {
		t.Fatal("expected error for unknown address type")
	}
}
