package adapters

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// pairwiseProtocolPrefix namespaces sync/pairwise streams per context on
// the shared libp2p host, since transport/stream.Handshake expects both
// sides to already agree on contextID before the handshake starts (spec
// §4.5/§4.11: "opens streams to peer ids", context framing is this
// adapter's job, not the handshake's).
const pairwiseProtocolPrefix = "/sovereignsync/pairwise/1.0.0/"

func pairwiseProtocolID(contextID ids.ID) protocol.ID {
	return protocol.ID(pairwiseProtocolPrefix + contextID.Hex())
}

// PeerTransport is the spec §4.11 peer transport: "opens
// unidirectional/bidirectional streams to peer ids; backing network
// implementation-defined, libp2p-style acceptable". Satisfies
// sync/scheduler.Dialer directly.
type PeerTransport interface {
	Dial(ctx context.Context, contextID, peerID ids.ID) (io.ReadWriteCloser, error)
	// Serve registers handler for inbound pairwise streams on contextID,
	// replacing any previously registered handler for that context.
	Serve(contextID ids.ID, handler func(conn io.ReadWriteCloser))
	// StopServing deregisters contextID's inbound handler.
	StopServing(contextID ids.ID)
	Close() error
}

// LibP2PTransport is the default PeerTransport, grounded on
// gossip.Protocol's own host usage (same libp2p.New/NewStream/
// SetStreamHandler pattern, reused here for pairwise streams instead of
// gossip broadcast) but keyed per-context rather than by one fixed
// protocol id, so sync/scheduler and an inbound responder loop can be
// registered and torn down independently as contexts come and go.
type LibP2PTransport struct {
	host host.Host

	resolve PeerResolver

	mu       sync.Mutex
	handlers map[ids.ID]func(conn io.ReadWriteCloser)
}

// PeerResolver maps an application-level party id to a dialable libp2p
// multiaddr. Production deployments back this with ConfigOracle-adjacent
// discovery state; tests can use a fixed map.
type PeerResolver interface {
	Resolve(peerID ids.ID) (string, error)
}

// StaticPeerResolver is a fixed party-id-to-multiaddr map, for
// single-operator deployments and tests that have no external peer
// discovery service to consult.
type StaticPeerResolver map[ids.ID]string

// Resolve looks peerID up in the map.
func (r StaticPeerResolver) Resolve(peerID ids.ID) (string, error) {
	addr, ok := r[peerID]
	if !ok {
		return "", fmt.Errorf("adapters: no known address for peer %s", peerID.Hex())
	}
	return addr, nil
}

var _ PeerResolver = StaticPeerResolver(nil)

// NewLibP2PTransport creates a PeerTransport listening on listenAddr.
func NewLibP2PTransport(listenAddr string, resolve PeerResolver) (*LibP2PTransport, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("adapters: create libp2p host: %w", err)
	}
	t := &LibP2PTransport{host: h, resolve: resolve, handlers: make(map[ids.ID]func(io.ReadWriteCloser))}
	return t, nil
}

var _ PeerTransport = (*LibP2PTransport)(nil)

// Dial opens a stream to peerID scoped to contextID's pairwise protocol.
func (t *LibP2PTransport) Dial(ctx context.Context, contextID, peerID ids.ID) (io.ReadWriteCloser, error) {
	addr, err := t.resolve.Resolve(peerID)
	if err != nil {
		return nil, fmt.Errorf("adapters: resolve peer %s: %w", peerID.Hex(), err)
	}
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("adapters: invalid address for peer %s: %w", peerID.Hex(), err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("adapters: parse peer info for %s: %w", peerID.Hex(), err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("adapters: connect to %s: %w", peerID.Hex(), err)
	}
	s, err := t.host.NewStream(ctx, info.ID, pairwiseProtocolID(contextID))
	if err != nil {
		return nil, fmt.Errorf("adapters: open pairwise stream to %s: %w", peerID.Hex(), err)
	}
	return s, nil
}

// Serve registers handler for inbound pairwise streams on contextID.
func (t *LibP2PTransport) Serve(contextID ids.ID, handler func(conn io.ReadWriteCloser)) {
	t.mu.Lock()
	t.handlers[contextID] = handler
	t.mu.Unlock()

	t.host.SetStreamHandler(pairwiseProtocolID(contextID), func(s network.Stream) {
		t.mu.Lock()
		h := t.handlers[contextID]
		t.mu.Unlock()
		if h == nil {
			s.Close()
			return
		}
		h(s)
	})
}

// StopServing deregisters contextID's inbound handler.
func (t *LibP2PTransport) StopServing(contextID ids.ID) {
	t.mu.Lock()
	delete(t.handlers, contextID)
	t.mu.Unlock()
	t.host.RemoveStreamHandler(pairwiseProtocolID(contextID))
}

// Close tears down the underlying host.
func (t *LibP2PTransport) Close() error {
	return t.host.Close()
}

