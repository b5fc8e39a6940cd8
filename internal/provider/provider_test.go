package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/e1732a364fed/clashcore/internal/metadata"
	"github.com/e1732a364fed/clashcore/internal/outbound"
)

type staticArtifact struct {
	body string
}

func (a *staticArtifact) Proxies() []outbound.Proxy            { return nil }
func (a *staticArtifact) MatchRule(*metadata.Metadata) bool    { return true }

func passthroughParser(behavior Behavior, raw []byte) (Artifact, error) {
	return &staticArtifact{body: string(raw)}, nil
}

func TestParseSubscriptionUserinfo(t *testing.T) {
	info := parseSubscriptionUserinfo("upload=123; download=456; total=1000000; expire=1735689600")
	if info == nil {
		t.Fatal("nil info")
	}
	if info.Upload != 123 || info.Download != 456 || info.Total != 1000000 || info.ExpireUnix != 1735689600 {
		t.Errorf("parsed %+v", info)
	}
	if parseSubscriptionUserinfo("") != nil {
		t.Error("empty header must yield nil")
	}
	junk := parseSubscriptionUserinfo("upload=x; notakey; download=9")
	if junk.Download != 9 || junk.Upload != 0 {
		t.Errorf("malformed segments must be skipped: %+v", junk)
	}
}

func TestRefreshSuccessSwapsArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Subscription-Userinfo", "upload=1; download=2; total=3; expire=4")
		w.Write([]byte("payload-v1"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := New(Config{Name: "sub", Behavior: BehaviorProxies, Source: SourceHTTP, URL: srv.URL, CacheDir: dir}, passthroughParser, nil)
	if err := p.doFetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	art := p.Artifact()
	if art == nil || art.(*staticArtifact).body != "payload-v1" {
		t.Fatal("artifact not materialized")
	}
	if p.LastError() != nil {
		t.Errorf("lastErr should be nil, got %v", p.LastError())
	}
	if info := p.SubscriptionInfo(); info == nil || info.Total != 3 {
		t.Errorf("subscription info missing: %+v", info)
	}

	// cache + meta side-file persisted (spec: <data-dir>/providers/<name>.cache)
	if _, err := os.Stat(filepath.Join(dir, "providers", "sub.cache")); err != nil {
		t.Error("cache file not written:", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "providers", "sub.cache.meta")); err != nil {
		t.Error("meta side-file not written:", err)
	}
}

func TestRefreshFailureKeepsArtifact(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte("good"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{Name: "flaky", Behavior: BehaviorProxies, Source: SourceHTTP, URL: srv.URL, CacheDir: t.TempDir()}, passthroughParser, nil)
	if err := p.doFetch(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := p.doFetch(context.Background()); err == nil {
		t.Fatal("500 fetch must error")
	}
	if art := p.Artifact(); art == nil || art.(*staticArtifact).body != "good" {
		t.Fatal("failed refresh must leave the previous artifact in place")
	}
	if p.LastError() == nil {
		t.Error("failed refresh must record last_error")
	}
}

func TestCacheLoadBeforeFirstFetch(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "providers", "persisted.cache")
	os.MkdirAll(filepath.Dir(cachePath), 0o755)
	os.WriteFile(cachePath, []byte("cached-body"), 0o644)

	p := New(Config{Name: "persisted", Behavior: BehaviorProxies, Source: SourceHTTP, URL: "http://unreachable.invalid/", CacheDir: dir}, passthroughParser, nil)
	p.LoadCache()
	art := p.Artifact()
	if art == nil || art.(*staticArtifact).body != "cached-body" {
		t.Fatal("on-disk cache must materialize before the first network fetch")
	}
}

func TestInlineProviderMaterializesOnStart(t *testing.T) {
	p := New(Config{Name: "inline", Behavior: BehaviorRuleDomain, Source: SourceInline, InlineBody: []byte("example.com")}, passthroughParser, nil)
	p.Start(context.Background())
	if p.Artifact() == nil {
		t.Fatal("inline provider must materialize immediately")
	}
}

func TestMatchRuleSetAvailability(t *testing.T) {
	p := New(Config{Name: "rules", Behavior: BehaviorRuleDomain, Source: SourceHTTP, URL: "http://unreachable.invalid/"}, passthroughParser, nil)
	if _, available := p.MatchRuleSet("rules", &metadata.Metadata{}); available {
		t.Fatal("no artifact yet: must report unavailable")
	}
	p.cfg.Source = SourceInline
	p.cfg.InlineBody = []byte("x")
	p.Start(context.Background())
	matched, available := p.MatchRuleSet("rules", &metadata.Metadata{})
	if !available || !matched {
		t.Fatal("materialized artifact must be consulted")
	}
}

func TestFileSourceFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.txt")
	os.WriteFile(path, []byte("from-file"), 0o644)
	p := New(Config{Name: "file", Behavior: BehaviorRuleDomain, Source: SourceFile, FilePath: path}, passthroughParser, nil)
	if err := p.doFetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Artifact().(*staticArtifact).body != "from-file" {
		t.Fatal("file body not materialized")
	}
}

func TestUpdateIntervalMinimumEnforced(t *testing.T) {
	p := New(Config{Name: "short", UpdateInterval: time.Second}, passthroughParser, nil)
	if p.cfg.UpdateInterval != DefaultUpdateInterval {
		t.Errorf("interval below minimum must fall back to default, got %v", p.cfg.UpdateInterval)
	}
}
