// Package gossip implements optimistic delta fan-out and divergence
// heartbeats over libp2p (spec §4.6 "Gossip Broadcast Protocol"),
// generalizing internal/gossip's epidemic broadcast: typed StateDelta
// and HashHeartbeat messages (package wire) replace its ad hoc
// map[string]interface{} CRDT state and JSON-over-stream encoding, and
// the receive path is wired into the real dag.Graph/applier.Applier
// pair per context instead of a flat last-write-wins map.
package gossip

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/wire"
)

// ProtocolID is the libp2p stream protocol this package speaks.
const ProtocolID = protocol.ID("/sovereignsync/gossip/1.0.0")

// MemberOracle answers the membership question the receive handler's
// step 1 consults (spec §4.6 "reject if author_id is not a current
// member"). A thin seam over the blockchain-backed config oracle
// (spec §4.11), satisfied in full by package adapters.
type MemberOracle interface {
	IsMember(contextID, partyID ids.ID) bool
}

// PeerInfo tracks reputation/liveness for one connected peer, grounded on
// internal/gossip.PeerInfo.
type PeerInfo struct {
	ID       peer.ID
	LastSeen time.Time
	Score    int
}

// Config configures a Protocol instance. Passing a struct (rather than
// the teacher's bare listenAddr string) also resolves a latent defect in
// internal/gossip, whose own integration test called
// NewGossipProtocol(cfg.Gossip) against a constructor that only accepted
// a string.
type Config struct {
	ListenAddr        string
	BootstrapPeers    []string
	Fanout            int
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Fanout <= 0 {
		c.Fanout = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// ApplierFactory builds the per-context delta applier the first time a
// context is gossiped about. Callers typically close over a shared
// crdt/merge.Registry and the local actor id.
type ApplierFactory func(contextID ids.ID, store storage.Store) *applier.Applier

// Protocol implements the gossip broadcast and heartbeat exchange over a
// libp2p host.
type Protocol struct {
	cfg  Config
	host host.Host

	peersMu sync.RWMutex
	peers   map[peer.ID]*PeerInfo

	dagStore   *dagstore.Service
	newApplier ApplierFactory
	appliersMu sync.Mutex
	appliers   map[ids.ID]*applier.Applier

	oracle MemberOracle

	// OnNeedSync is invoked when a received delta was buffered pending
	// unseen parents (spec §4.6 step 5): "schedule a pairwise sync with
	// author_id to fetch them". Wired by package sync/scheduler.
	OnNeedSync func(contextID, authorID ids.ID)

	// OnDivergence is invoked when a heartbeat's root hash disagrees with
	// the local one for matching dag_heads (spec §4.6 "fast divergence
	// detector"). Wired by package sync/scheduler to enqueue HashComparison.
	OnDivergence func(contextID ids.ID, peerRoot [32]byte)

	quit chan struct{}
}

// New creates a Protocol bound to dagStore for per-context DAG state,
// using newApplier to materialize each context's delta applier on first
// use.
func New(cfg Config, dagStore *dagstore.Service, newApplier ApplierFactory, oracle MemberOracle) (*Protocol, error) {
	cfg = cfg.withDefaults()

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("gossip: create libp2p host: %w", err)
	}

	p := &Protocol{
		cfg:        cfg,
		host:       h,
		peers:      make(map[peer.ID]*PeerInfo),
		dagStore:   dagStore,
		newApplier: newApplier,
		appliers:   make(map[ids.ID]*applier.Applier),
		oracle:     oracle,
		quit:       make(chan struct{}),
	}

	h.SetStreamHandler(ProtocolID, p.handleStream)

	for _, addr := range cfg.BootstrapPeers {
		if err := p.AddPeer(addr); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("gossip: failed to connect bootstrap peer")
		}
	}

	go p.heartbeatLoop()
	return p, nil
}

// Stop tears down the host and background loops.
func (p *Protocol) Stop() error {
	close(p.quit)
	return p.host.Close()
}

// ListenAddrs returns this node's own dialable multiaddrs (including
// peer id), for operators to share with counterparties out-of-band and
// pass to a peer's AddPeer.
func (p *Protocol) ListenAddrs() []string {
	addrs := make([]string, 0, len(p.host.Addrs()))
	for _, a := range p.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, p.host.ID()))
	}
	return addrs
}

// AddPeer connects to and tracks a peer by its multiaddr.
func (p *Protocol) AddPeer(addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("gossip: invalid peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("gossip: parse peer info: %w", err)
	}
	if err := p.host.Connect(context.Background(), *info); err != nil {
		return fmt.Errorf("gossip: connect to peer: %w", err)
	}

	p.peersMu.Lock()
	p.peers[info.ID] = &PeerInfo{ID: info.ID, LastSeen: time.Now()}
	p.peersMu.Unlock()
	return nil
}

func (p *Protocol) peerIDs() []peer.ID {
	p.peersMu.RLock()
	defer p.peersMu.RUnlock()
	out := make([]peer.ID, 0, len(p.peers))
	for id := range p.peers {
		out = append(out, id)
	}
	return out
}

// contextFor returns (and lazily creates) the DAG graph and applier for
// contextID.
func (p *Protocol) contextFor(contextID ids.ID) (*dag.Graph, *applier.Applier, error) {
	entry, err := p.dagStore.GetOrCreate(contextID)
	if err != nil {
		return nil, nil, fmt.Errorf("gossip: open context store: %w", err)
	}

	p.appliersMu.Lock()
	defer p.appliersMu.Unlock()
	appl, ok := p.appliers[contextID]
	if !ok {
		appl = p.newApplier(contextID, entry.Store)
		p.appliers[contextID] = appl
	}
	return entry.Graph, appl, nil
}

// BroadcastDelta fans delta out to a random subset of known peers (spec
// §4.2 "control flow: local mutations... are broadcast via gossip").
func (p *Protocol) BroadcastDelta(ctx context.Context, contextID, authorID ids.ID, delta *dag.CausalDelta, events [][]byte) error {
	actions, err := wire.EncodeActions(delta.Actions)
	if err != nil {
		return fmt.Errorf("gossip: encode actions: %w", err)
	}
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)

	msg := wire.StateDelta{
		ContextID: contextID,
		AuthorID:  authorID,
		DeltaID:   delta.ID,
		ParentIDs: delta.Parents,
		HLC:       delta.HLC,
		RootHash:  delta.ExpectedRootHash,
		Artifact:  actions,
		Nonce:     nonce,
		Events:    events,
	}
	return p.fanOut(ctx, wire.EncodeStateDelta(msg))
}

// broadcastHeartbeat sends one context's current root hash and DAG heads
// to a gossip fanout (spec §4.6, every 30s by default).
func (p *Protocol) broadcastHeartbeat(ctx context.Context, contextID ids.ID) error {
	graph, appl, err := p.contextFor(contextID)
	if err != nil {
		return err
	}
	msg := wire.HashHeartbeat{
		ContextID: contextID,
		RootHash:  appl.RootHash(),
		DagHeads:  graph.Heads(),
	}
	return p.fanOut(ctx, wire.EncodeHashHeartbeat(msg))
}

func (p *Protocol) fanOut(ctx context.Context, payload []byte) error {
	targets := selectRandom(p.peerIDs(), p.cfg.Fanout)
	var firstErr error
	for _, target := range targets {
		if err := p.sendTo(ctx, target, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Protocol) sendTo(ctx context.Context, target peer.ID, payload []byte) error {
	s, err := p.host.NewStream(ctx, target, ProtocolID)
	if err != nil {
		return fmt.Errorf("gossip: open stream to %s: %w", target, err)
	}
	defer s.Close()
	return writeFramed(s, payload)
}

func (p *Protocol) heartbeatLoop() {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			for _, contextID := range p.dagStore.Contexts() {
				if err := p.broadcastHeartbeat(context.Background(), contextID); err != nil {
					log.Debug().Err(err).Msg("gossip: heartbeat broadcast failed")
				}
			}
		}
	}
}

func (p *Protocol) handleStream(s network.Stream) {
	defer s.Close()
	payload, err := readFramed(s)
	if err != nil {
		log.Debug().Err(err).Msg("gossip: failed to read stream frame")
		return
	}

	p.peersMu.Lock()
	if info, ok := p.peers[s.Conn().RemotePeer()]; ok {
		info.LastSeen = time.Now()
	} else {
		p.peers[s.Conn().RemotePeer()] = &PeerInfo{ID: s.Conn().RemotePeer(), LastSeen: time.Now()}
	}
	p.peersMu.Unlock()

	if err := p.HandleReceive(payload); err != nil {
		log.Debug().Err(err).Msg("gossip: receive handler failed")
	}
}

// HandleReceive implements the §4.6 receive handler algorithm for one
// gossip payload, dispatching to whichever message type it decodes as.
func (p *Protocol) HandleReceive(payload []byte) error {
	isDelta, isHeartbeat := wire.PeekMessageType(payload)
	switch {
	case isDelta:
		return p.handleStateDelta(payload)
	case isHeartbeat:
		return p.handleHeartbeat(payload)
	default:
		return fmt.Errorf("gossip: unrecognized message type")
	}
}

func (p *Protocol) handleStateDelta(payload []byte) error {
	msg, err := wire.DecodeStateDelta(payload)
	if err != nil {
		return fmt.Errorf("gossip: decode StateDelta: %w", err)
	}

	// Step 1: reject if author is not a current member.
	if p.oracle != nil && !p.oracle.IsMember(msg.ContextID, msg.AuthorID) {
		return fmt.Errorf("gossip: author %s is not a member of context %s", msg.AuthorID.Hex(), msg.ContextID.Hex())
	}

	// Step 2: decode the artifact into the delta's action list.
	actions, err := wire.DecodeActions(msg.Artifact)
	if err != nil {
		return fmt.Errorf("gossip: decode artifact: %w", err)
	}

	// Step 3: reconstruct the delta and confirm its computed id matches
	// what the sender claimed (guards against a tampered artifact).
	delta := dag.NewDelta(msg.ParentIDs, actions, msg.HLC, msg.RootHash)
	if delta.ID != msg.DeltaID {
		return fmt.Errorf("gossip: delta id mismatch: computed %s, claimed %s", delta.ID.Hex(), msg.DeltaID.Hex())
	}

	// Step 4: hand it to the DAG.
	graph, appl, err := p.contextFor(msg.ContextID)
	if err != nil {
		return err
	}
	applied, err := graph.AddDelta(delta, appl.AsDAGApplier())
	if err != nil {
		return fmt.Errorf("gossip: add delta: %w", err)
	}

	// Step 5: if buffered for missing parents, request them from the author.
	if !applied && p.OnNeedSync != nil {
		p.OnNeedSync(msg.ContextID, msg.AuthorID)
	}
	return nil
}

func (p *Protocol) handleHeartbeat(payload []byte) error {
	msg, err := wire.DecodeHashHeartbeat(payload)
	if err != nil {
		return fmt.Errorf("gossip: decode HashHeartbeat: %w", err)
	}

	graph, appl, err := p.contextFor(msg.ContextID)
	if err != nil {
		return err
	}

	if !sameHeadSet(graph.Heads(), msg.DagHeads) {
		// Heads differ for an unrelated reason (we're simply behind);
		// that gap is gossip/delta-sync's job, not the fast heartbeat path.
		return nil
	}
	if appl.RootHash() != msg.RootHash && p.OnDivergence != nil {
		p.OnDivergence(msg.ContextID, msg.RootHash)
	}
	return nil
}

func sameHeadSet(a, b []ids.ID) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[ids.ID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func selectRandom(peers []peer.ID, n int) []peer.ID {
	if len(peers) <= n {
		return peers
	}
	pool := append([]peer.ID(nil), peers...)
	selected := make([]peer.ID, 0, n)
	for i := 0; i < n; i++ {
		idxByte := make([]byte, 1)
		_, _ = rand.Read(idxByte)
		idx := int(idxByte[0]) % len(pool)
		selected = append(selected, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return selected
}

// writeFramed/readFramed give each gossip stream a 4-byte LE length
// prefix, since package wire's payloads are not self-delimiting (unlike
// the teacher's one-shot json.Decoder, which relied on stream close to
// bound a single message).
func writeFramed(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
