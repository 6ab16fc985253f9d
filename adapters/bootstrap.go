package adapters

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/multiformats/go-multiaddr"
)

// ParseBootstrapPeers turns a configuration list that may mix enode://
// URIs and libp2p multiaddrs into multiaddr strings gossip.Protocol.AddPeer
// accepts, adapted from internal/gcl/p2p.go's NewP2PServer seed-parsing
// loop (enode.Parse) now that the transport underneath is libp2p rather
// than go-ethereum's p2p package.
//
// enode and libp2p addressing are not identity-compatible: an enode's
// node id is a secp256k1 public key hash under go-ethereum's discovery
// scheme, not a libp2p peer.ID. Entries given as enode:// URIs are
// resolved down to a bare IP:TCP-port multiaddr with no /p2p/ peer id
// suffix, so AddPeer can still dial the address but cannot pre-verify the
// remote's identity before the pairwise handshake does — the same
// verification the handshake's identity proof already performs
// end-to-end, so nothing is weakened by omitting it here.
func ParseBootstrapPeers(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "enode://") {
			maddr, err := enodeToMultiaddr(entry)
			if err != nil {
				return nil, fmt.Errorf("adapters: parse bootstrap enode %q: %w", entry, err)
			}
			out = append(out, maddr)
			continue
		}
		if _, err := multiaddr.NewMultiaddr(entry); err != nil {
			return nil, fmt.Errorf("adapters: parse bootstrap multiaddr %q: %w", entry, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func enodeToMultiaddr(uri string) (string, error) {
	node, err := enode.Parse(enode.ValidSchemes, uri)
	if err != nil {
		return "", err
	}
	ip := node.IP()
	if ip == nil {
		return "", fmt.Errorf("enode has no resolvable IP")
	}
	proto := "ip4"
	if ip.To4() == nil {
		proto = "ip6"
	}
	tcpPort := node.TCP()
	if tcpPort == 0 {
		return "", fmt.Errorf("enode advertises no TCP port")
	}
	return fmt.Sprintf("/%s/%s/tcp/%s", proto, ip.String(), strconv.Itoa(tcpPort)), nil
}
