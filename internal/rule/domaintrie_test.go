package rule

import "testing"

func TestDomainTrieExactAndSuffix(t *testing.T) {
	t1 := NewDomainTrie()
	t1.InsertExact("example.com")
	if !t1.MatchExact("example.com") {
		t.Error("expected exact match")
	}
	if t1.MatchExact("sub.example.com") {
		t.Error("exact trie must not match subdomains")
	}

	t2 := NewDomainTrie()
	t2.InsertSuffix("example.com")
	for _, host := range []string{"example.com", "www.example.com", "a.b.example.com"} {
		if !t2.MatchSuffix(host) {
			t.Errorf("expected suffix match for %q", host)
		}
	}
	if t2.MatchSuffix("notexample.com") {
		t.Error("suffix trie must not match unrelated domains sharing a substring")
	}
}
