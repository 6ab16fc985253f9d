package adapters

import "testing"

func TestParseBootstrapPeersAcceptsMultiaddr(t *testing.T) {
	out, err := ParseBootstrapPeers([]string{
		"/ip4/127.0.0.1/tcp/4001/p2p/QmcgpsyWgH8Y8ajJz1Cu72KnS5uo2Aa2LpzU7kinSupNKC",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(out))
	}
}

func TestParseBootstrapPeersSkipsBlank(t *testing.T) {
	out, err := ParseBootstrapPeers([]string{"", "  "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(out))
	}
}

func TestParseBootstrapPeersRejectsGarbage(t *testing.T) {
	if _, err := ParseBootstrapPeers([]string{"not-an-address"}); err == nil {
		t.Fatal("expected error for invalid multiaddr")
	}
}
