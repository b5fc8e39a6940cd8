package control

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"

	"github.com/e1732a364fed/clashcore/internal/group"
	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
	"github.com/e1732a364fed/clashcore/internal/provider"
	"github.com/e1732a364fed/clashcore/internal/registry"
)

type stubProxy struct{ outbound.Base }

func (p *stubProxy) DialTCP(ctx context.Context, md *metadata.Metadata) (net.Conn, error) {
	return nil, nil
}

func (p *stubProxy) DialUDP(ctx context.Context, md *metadata.Metadata) (net.PacketConn, error) {
	return nil, nil
}

func newTestServer(secret string) (*Server, *registry.Registry) {
	reg := registry.New()
	s := NewServer(secret, false)
	s.Registry = reg
	s.Proxies = func() *outbound.Registry { return outbound.NewRegistry(nil) }
	s.Groups = func() map[string]group.Group { return map[string]group.Group{} }
	s.Providers = func() map[string]*provider.Provider { return map[string]*provider.Provider{} }
	mode := "rule"
	s.Mode = func() string { return mode }
	s.SetMode = func(m string) bool {
		switch m {
		case "rule", "global", "direct":
			mode = m
			return true
		}
		return false
	}
	return s, reg
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer("topsecret")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/connections")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: got %d want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/connections", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("valid token: got %d want 200", resp2.StatusCode)
	}

	req3, _ := http.NewRequest(http.MethodGet, srv.URL+"/connections", nil)
	req3.Header.Set("Authorization", "Bearer wrong")
	resp3, _ := http.DefaultClient.Do(req3)
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d want 401", resp3.StatusCode)
	}
}

func TestConnectionsListAndKill(t *testing.T) {
	s, reg := newTestServer("")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	md := &metadata.Metadata{
		Network:    metadata.NetworkTCP,
		SourceAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9},
		DestHost:   "live.example",
		DestPort:   443,
	}
	c := reg.Enroll(md, "socks5", "MATCH", []string{"DIRECT"})

	resp, err := http.Get(srv.URL + "/connections")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Connections []struct {
			ID   string `json:"id"`
			Host string `json:"host"`
		} `json:"connections"`
	}
	if err := gojson.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(body.Connections) != 1 || body.Connections[0].Host != "live.example" {
		t.Fatalf("connections view: %+v", body)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/connections/"+c.ID, nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusNoContent {
		t.Fatalf("kill: got %d", dresp.StatusCode)
	}
	if !c.Cancelled() {
		t.Error("kill must cancel the connection")
	}

	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/connections/unknown", nil)
	dresp2, _ := http.DefaultClient.Do(req2)
	dresp2.Body.Close()
	if dresp2.StatusCode != http.StatusNotFound {
		t.Fatalf("kill unknown: got %d want 404", dresp2.StatusCode)
	}
}

func TestConfigsModePatch(t *testing.T) {
	s, _ := newTestServer("")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/configs", strings.NewReader(`{"mode":"global"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("patch mode: %d", resp.StatusCode)
	}

	g, err := http.Get(srv.URL + "/configs")
	if err != nil {
		t.Fatal(err)
	}
	var cfg struct {
		Mode string `json:"mode"`
	}
	gojson.NewDecoder(g.Body).Decode(&cfg)
	g.Body.Close()
	if cfg.Mode != "global" {
		t.Errorf("mode after patch = %q", cfg.Mode)
	}

	bad, _ := http.NewRequest(http.MethodPatch, srv.URL+"/configs", strings.NewReader(`{"mode":"weird"}`))
	bresp, _ := http.DefaultClient.Do(bad)
	bresp.Body.Close()
	if bresp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown mode must 400, got %d", bresp.StatusCode)
	}
}

func TestGroupSelectionEndpoint(t *testing.T) {
	s, _ := newTestServer("")
	sel := group.NewSelector("choose", []outbound.Proxy{
		&stubProxy{Base: outbound.NewBase("a", "fake", false)},
		&stubProxy{Base: outbound.NewBase("b", "fake", false)},
	}, "")
	s.Groups = func() map[string]group.Group { return map[string]group.Group{"choose": sel} }
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/groups/choose", strings.NewReader(`{"name":"b"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("selection: %d", resp.StatusCode)
	}
	if cur, _ := sel.Now(nil); cur.Name() != "b" {
		t.Error("selection did not reach the group")
	}

	req2, _ := http.NewRequest(http.MethodPut, srv.URL+"/groups/choose", strings.NewReader(`{"name":"zzz"}`))
	resp2, _ := http.DefaultClient.Do(req2)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown member must 400, got %d", resp2.StatusCode)
	}
}
