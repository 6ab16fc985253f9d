package scheduler_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/crdt/merge"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/sync/pairwise"
	"github.com/rechain/sovereignsync/sync/scheduler"
	"github.com/rechain/sovereignsync/transport/stream"
	"github.com/stretchr/testify/assert"
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

var _ storage.Store = (*memStore)(nil)

type allowAll struct{}

func (allowAll) IsMember(_, _ ids.ID) bool { return true }

func entID(b byte) ids.ID {
	var id ids.ID
	id[0] = b
	return id
}

func gcounterBytes(t *testing.T, actor ids.ID, by uint64) []byte {
	t.Helper()
	c := crdt.NewGCounter(actor)
	c.Increment(by)
	data, err := c.Marshal()
	require.NoError(t, err)
	return data
}

// fixedMembers always names a single remote peer.
type fixedMembers struct {
	peerID ids.ID
}

func (f fixedMembers) Members(ids.ID) []ids.ID { return []ids.ID{f.peerID} }

// remotePeer stands in for the other end of every dial: a fixed
// applier/graph a pipeDialer hands stream.Handshake and pairwise.RunResponder
// on the server side of a net.Pipe.
type remotePeer struct {
	partyID  ids.ID
	identity *stream.IdentityKey
	graph    *dag.Graph
	app      *applier.Applier
	cfg      pairwise.Config
}

func newRemotePeer(t *testing.T, actorByte byte) *remotePeer {
	t.Helper()
	identity, err := stream.NewIdentityKey()
	require.NoError(t, err)
	return &remotePeer{
		partyID:  entID(actorByte),
		identity: identity,
		graph:    dag.New(),
		app:      applier.New(newMemStore(), merge.New(), entID(actorByte), ids.Zero),
		cfg:      pairwise.DefaultConfig(),
	}
}

// pipeDialer hands every Dial call the client half of a net.Pipe and runs
// the remote side's handshake plus pairwise responder loop on the other
// half, mirroring pairwise_test.go's pairedSessions but driven from the
// scheduler's own Dialer interface. It also counts concurrently open
// dials so tests can assert on back-pressure.
type pipeDialer struct {
	t      *testing.T
	remote *remotePeer

	mu          sync.Mutex
	open        int
	maxObserved int
}

func (d *pipeDialer) Dial(ctx context.Context, contextID, peerID ids.ID) (io.ReadWriteCloser, error) {
	clientConn, serverConn := net.Pipe()

	d.mu.Lock()
	d.open++
	if d.open > d.maxObserved {
		d.maxObserved = d.open
	}
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.open--
			d.mu.Unlock()
		}()
		hs, err := stream.Handshake(context.Background(), serverConn, contextID, d.remote.partyID, peerID, d.remote.identity, allowAll{}, false)
		if err != nil {
			return
		}
		sess := pairwise.New(d.remote.cfg, hs.Session, contextID, d.remote.graph, d.remote.app)
		_ = sess.RunResponder(context.Background())
	}()

	return clientConn, nil
}

func newScheduler(t *testing.T, cfg scheduler.Config, dialer scheduler.Dialer, members scheduler.MemberLister) (*scheduler.Scheduler, *dagstore.Service) {
	t.Helper()
	dagStore := dagstore.New(func(ids.ID) (storage.Store, error) { return newMemStore(), nil })
	identity, err := stream.NewIdentityKey()
	require.NoError(t, err)

	factory := func(contextID ids.ID, store storage.Store) *applier.Applier {
		return applier.New(store, merge.New(), entID(0xA1), ids.Zero)
	}

	sched := scheduler.New(cfg, dagStore, factory, dialer, members, identity, entID(0xA1), allowAll{}, pairwise.DefaultConfig())
	return sched, dagStore
}

func TestSchedulerSyncsNewContextViaSnapshot(t *testing.T) {
	contextID := entID(1)

	remote := newRemotePeer(t, 0xB2)
	remoteEnt := entID(2)
	actions := []dag.Action{{Kind: dag.ActionAdd, EntityID: remoteEnt, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entID(9), 7)}}
	delta := dag.NewDelta(nil, actions, hlc.New(10, 0), [32]byte{})
	applied, err := remote.graph.AddDelta(delta, remote.app.AsDAGApplier())
	require.NoError(t, err)
	require.True(t, applied)

	dialer := &pipeDialer{t: t, remote: remote}
	members := fixedMembers{peerID: remote.partyID}

	cfg := scheduler.Config{
		Frequency:     5 * time.Millisecond,
		Interval:      time.Millisecond,
		Timeout:       2 * time.Second,
		MaxConcurrent: 4,
	}
	sched, dagStore := newScheduler(t, cfg, dialer, members)

	// Pre-materialize the context the way a freshly-joined application
	// would, so the scheduler's tick sees it in dagStore.Contexts().
	entry, err := dagStore.GetOrCreate(contextID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	assert.Eventually(t, func() bool {
		var found bool
		_ = entry.Store.Iterate(context.Background(), nil, func(key, _ []byte) error {
			found = true
			return nil
		})
		return found
	}, time.Second, 5*time.Millisecond, "scheduler never synced the new context")

	sched.Stop()
}

func TestSchedulerRespectsMaxConcurrent(t *testing.T) {
	remote := newRemotePeer(t, 0xB2)
	dialer := &pipeDialer{t: t, remote: remote}
	members := fixedMembers{peerID: remote.partyID}

	cfg := scheduler.Config{
		Frequency:     2 * time.Millisecond,
		Interval:      time.Microsecond,
		Timeout:       time.Second,
		MaxConcurrent: 1,
	}
	sched, dagStore := newScheduler(t, cfg, dialer, members)

	for i := 2; i < 10; i++ {
		_, err := dagStore.GetOrCreate(entID(byte(i)))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	sched.Run(ctx)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.LessOrEqual(t, dialer.maxObserved, cfg.MaxConcurrent)
}

func TestSchedulerForcesSnapshotUnderBackPressure(t *testing.T) {
	contextID := entID(1)
	remote := newRemotePeer(t, 0xB2)
	dialer := &pipeDialer{t: t, remote: remote}
	members := fixedMembers{peerID: remote.partyID}

	cfg := scheduler.Config{
		Frequency:             5 * time.Millisecond,
		Interval:              time.Millisecond,
		Timeout:               2 * time.Second,
		MaxConcurrent:         4,
		PendingDeltaThreshold: 2,
	}
	sched, dagStore := newScheduler(t, cfg, dialer, members)

	entry, err := dagStore.GetOrCreate(contextID)
	require.NoError(t, err)
	localApp := applier.New(entry.Store, merge.New(), entID(0xA1), ids.Zero)

	// Each of these references a parent id that will never arrive, so
	// they pile up in the pending set rather than applying.
	for i := 0; i < 5; i++ {
		missingParent := entID(byte(100 + i))
		actions := []dag.Action{{Kind: dag.ActionAdd, EntityID: entID(byte(50 + i)), CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entID(9), 1)}}
		d := dag.NewDelta([]ids.ID{missingParent}, actions, hlc.New(uint64(i+1), 0), [32]byte{})
		_, err := entry.Graph.AddDelta(d, localApp.AsDAGApplier())
		require.NoError(t, err)
	}

	var forced bool
	var mu sync.Mutex
	sched.OnSnapshotForced = func(ids.ID) {
		mu.Lock()
		forced = true
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sched.Run(ctx)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return forced
	}, 500*time.Millisecond, 5*time.Millisecond, "scheduler never forced Snapshot mode under back-pressure")

	sched.Stop()
}
