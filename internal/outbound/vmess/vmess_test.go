package vmess

import (
	"bytes"
	"testing"
)

func TestKDFDeterministic(t *testing.T) {
	key := []byte("0123456789abcdef")
	a := kdf(key, []byte("info"))
	b := kdf(key, []byte("info"))
	if !bytes.Equal(a, b) {
		t.Fatal("kdf must be deterministic for identical inputs")
	}
	c := kdf(key, []byte("other"))
	if bytes.Equal(a, c) {
		t.Fatal("kdf must differ for different info")
	}
	if len(a) != 64 {
		t.Fatalf("sha3-512 output length = %d", len(a))
	}
}

func TestCreateAuthIDBindsTimestamp(t *testing.T) {
	key := []byte("0123456789abcdef")
	a1 := createAuthID(key, 1700000000)
	a2 := createAuthID(key, 1700000000)
	if !bytes.Equal(a1, a2) {
		t.Fatal("same key+timestamp must produce identical authIDs")
	}
	a3 := createAuthID(key, 1700000001)
	if bytes.Equal(a1, a3) {
		t.Fatal("different timestamps must produce different authIDs")
	}
}

func TestSealHeaderStructure(t *testing.T) {
	p, err := New(Config{Name: "v", Server: "s.example", Port: 443, UUID: "b831381d-6324-4d53-ad4f-8cda48b30811"})
	if err != nil {
		t.Fatal(err)
	}
	body := []byte{0x01, 0x02, 0x03}
	sealed := p.sealHeader(body)
	// authID(24: 8 plaintext time sealed with 16-byte tag) + sealed length
	// (2+16) + sealed body (len+16) — never equal to the plaintext, never
	// empty, and longer than the body by the AEAD overhead.
	if len(sealed) <= len(body) {
		t.Fatalf("sealed header too short: %d", len(sealed))
	}
	if bytes.Contains(sealed, body) {
		t.Error("plaintext body must not appear in the sealed header")
	}
}

func TestBadUUIDRejected(t *testing.T) {
	if _, err := New(Config{Name: "v", UUID: "not-a-uuid"}); err == nil {
		t.Fatal("malformed UUID must be rejected at construction")
	}
}
