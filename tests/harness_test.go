// Package tests holds the scenario-level integration suite spec.md §8
// names S1–S6: concrete node-to-node behaviors that no single package's
// unit tests exercise end-to-end, run here against two or three
// in-process engine instances wired with loopback transports (a real
// libp2p host bound to 127.0.0.1 for gossip, net.Pipe for pairwise sync
// — never an external network), mirroring how gossip_test.go,
// scheduler_test.go, and pairwise_test.go each exercise one layer in
// isolation.
package tests

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/crdt/merge"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/gossip"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)], nil
}

func (m *memStore) Set(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memStore) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memStore) Has(_ context.Context, key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memStore) Iterate(_ context.Context, prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func entID(b byte) ids.ID {
	var id ids.ID
	id[0] = b
	return id
}

type allowAll struct{}

func (allowAll) IsMember(_, _ ids.ID) bool { return true }
func (allowAll) Members(ids.ID) []ids.ID   { return nil }

func gcounterBytes(t *testing.T, actor ids.ID, by uint64) []byte {
	t.Helper()
	c := crdt.NewGCounter(actor)
	c.Increment(by)
	data, err := c.Marshal()
	require.NoError(t, err)
	return data
}

// gossipNode bundles a dagstore + gossip.Protocol pair bound to 127.0.0.1
// with an ephemeral port, reused across S1/S2/S3/S5.
type gossipNode struct {
	t        *testing.T
	actor    ids.ID
	registry *merge.Registry
	dagStore *dagstore.Service
	proto    *gossip.Protocol
}

func newGossipNode(t *testing.T, actor ids.ID) *gossipNode {
	t.Helper()
	registry := merge.New()
	dagStore := dagstore.New(func(ids.ID) (storage.Store, error) { return newMemStore(), nil })
	factory := func(contextID ids.ID, store storage.Store) *applier.Applier {
		return applier.New(store, registry, actor, ids.Zero)
	}
	proto, err := gossip.New(gossip.Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, dagStore, factory, allowAll{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = proto.Stop() })
	return &gossipNode{t: t, actor: actor, registry: registry, dagStore: dagStore, proto: proto}
}

func peerWith(t *testing.T, a, b *gossipNode) {
	t.Helper()
	addrs := b.proto.ListenAddrs()
	require.NotEmpty(t, addrs)
	require.NoError(t, a.proto.AddPeer(addrs[0]))
}

// localApplier returns a fresh Applier view over contextID's shared
// store, for producing and applying local mutations the same way an
// application embedding this engine would before calling BroadcastDelta.
func (n *gossipNode) localApplier(contextID ids.ID) (*applier.Applier, *dag.Graph) {
	entry, err := n.dagStore.GetOrCreate(contextID)
	require.NoError(n.t, err)
	return applier.New(entry.Store, n.registry, n.actor, ids.Zero), entry.Graph
}

// produce builds and locally applies a delta from actions atop graph's
// current heads, returning it for broadcast.
func (n *gossipNode) produce(contextID ids.ID, at int64, actions []dag.Action) *dag.CausalDelta {
	app, graph := n.localApplier(contextID)
	delta := dag.NewDelta(graph.Heads(), actions, hlc.New(at, 0), [32]byte{})
	applied, err := graph.AddDelta(delta, app.AsDAGApplier())
	require.NoError(n.t, err)
	require.True(n.t, applied)
	return delta
}

func (n *gossipNode) broadcast(t *testing.T, contextID ids.ID, delta *dag.CausalDelta) {
	t.Helper()
	require.NoError(t, n.proto.BroadcastDelta(context.Background(), contextID, n.actor, delta, nil))
}

func (n *gossipNode) rootHash(contextID ids.ID) [32]byte {
	app, _ := n.localApplier(contextID)
	return app.RootHash()
}

func (n *gossipNode) heads(contextID ids.ID) []ids.ID {
	_, graph := n.localApplier(contextID)
	return graph.Heads()
}

// waitFor polls cond until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}
