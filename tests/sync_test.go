package tests

import (
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
	"github.com/rechain/sovereignsync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApplierAndGraph(actor byte) (*applier.Applier, *dag.Graph) {
	return applier.New(newMemStore(), merge.New(), entID(actor), ids.Zero), dag.New()
}

// pairedSessions establishes a real encrypted transport/stream.Session on
// both ends of an in-memory pipe, mirroring sync/pairwise's own test
// helper of the same name for the scenario-level harness in this package.
func pairedSessions(t *testing.T, contextID ids.ID) (*stream.Session, *stream.Session) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	clientIdentity, err := stream.NewIdentityKey()
	require.NoError(t, err)
	serverIdentity, err := stream.NewIdentityKey()
	require.NoError(t, err)

	clientParty, serverParty := entID(0xC1), entID(0x5E)

	type result struct {
		res *stream.HandshakeResult
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)
	ctx := context.Background()

	go func() {
		res, err := stream.Handshake(ctx, clientConn, contextID, clientParty, serverParty, clientIdentity, allowAll{}, true)
		clientCh <- result{res, err}
	}()
	go func() {
		res, err := stream.Handshake(ctx, serverConn, contextID, serverParty, clientParty, serverIdentity, allowAll{}, false)
		serverCh <- result{res, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	return cr.res.Session, sr.res.Session
}

func runBothSides(t *testing.T, initiator, responder *pairwise.Session, divergenceSuspected bool, peerHeadsHint int) (initErr, respErr error) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		initErr = initiator.RunInitiator(context.Background(), divergenceSuspected, peerHeadsHint)
	}()
	go func() {
		defer wg.Done()
		respErr = responder.RunResponder(context.Background())
	}()
	wg.Wait()
	return initErr, respErr
}

// TestScenarioS4SnapshotOnFreshNodeThenBlocked is spec.md §8's S4: a truly
// fresh node completes a Snapshot sync against a populated peer and
// converges, while a second non-empty node requesting Snapshot from the
// same peer is refused (I5) and falls back to DeltaSync instead.
func TestScenarioS4SnapshotOnFreshNodeThenBlocked(t *testing.T) {
	contextID := entID(1)

	// D: the populated source. 200 applied deltas stands in for spec's
	// 10,000 — enough to exercise multi-chunk snapshot transfer without
	// making the test slow.
	dApp, dGraph := newApplierAndGraph(0xD0)
	for i := 0; i < 200; i++ {
		ent := entID(byte(i % 250))
		actions := []dag.Action{{Kind: dag.ActionAdd, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entID(0xD0), 1)}}
		delta := dag.NewDelta(dGraph.Heads(), actions, hlc.New(uint64(i+1), 0), [32]byte{})
		_, err := dGraph.AddDelta(delta, dApp.AsDAGApplier())
		require.NoError(t, err)
	}

	// C: truly fresh. Snapshot must succeed and fully populate it.
	cApp, cGraph := newApplierAndGraph(0xC0)
	cfg := pairwise.DefaultConfig()
	cfg.SnapshotChunkSize = 4096 // force several chunks over 200 entities

	cConn, dConnForC := pairedSessions(t, contextID)
	cSess := pairwise.New(cfg, cConn, contextID, cGraph, cApp)
	dSessForC := pairwise.New(cfg, dConnForC, contextID, dGraph, dApp)

	var blockedForC bool
	dSessForC.OnSnapshotBlocked = func() { blockedForC = true }

	cErr, dErrForC := runBothSides(t, cSess, dSessForC, false, -1)
	require.NoError(t, cErr)
	require.NoError(t, dErrForC)
	assert.False(t, blockedForC)
	assert.Equal(t, dApp.RootHash(), cApp.RootHash())
	assert.Equal(t, len(dGraph.AllApplied()), len(cGraph.AllApplied()))

	// E: holds one delta of its own, so is not fresh. Requesting Snapshot
	// from D must be refused; the session still converges via DeltaSync.
	eApp, eGraph := newApplierAndGraph(0xE0)
	ownEnt := entID(0xFE)
	ownDelta := dag.NewDelta(nil, []dag.Action{
		{Kind: dag.ActionAdd, EntityID: ownEnt, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entID(0xE0), 1)},
	}, hlc.New(1, 0), [32]byte{})
	_, err := eGraph.AddDelta(ownDelta, eApp.AsDAGApplier())
	require.NoError(t, err)

	eConn, dConnForE := pairedSessions(t, contextID)
	eSess := pairwise.New(cfg, eConn, contextID, eGraph, eApp)
	dSessForE := pairwise.New(cfg, dConnForE, contextID, dGraph, dApp)

	var blockedForE bool
	dSessForE.OnSnapshotBlocked = func() { blockedForE = true }

	var wg sync.WaitGroup
	var eErr, dErrForE error
	wg.Add(2)
	go func() {
		defer wg.Done()
		eErr = eSess.RunInitiatorForceMode(context.Background(), wire.ModeSnapshot)
	}()
	go func() {
		defer wg.Done()
		dErrForE = dSessForE.RunResponder(context.Background())
	}()
	wg.Wait()

	require.NoError(t, eErr)
	require.NoError(t, dErrForE)
	assert.True(t, blockedForE, "D must refuse to source a Snapshot to a non-empty initiator")

	assert.True(t, eGraph.Applied(dGraph.AllApplied()[0].ID), "E must have caught up via the DeltaSync fallback")
}

// TestScenarioS6PendingEvictionAndSnapshotFallback is spec.md §8's S6:
// orphan deltas missing their parents pile up past pending_snapshot_threshold,
// aging out under CleanupStale, while the scheduler's own burst check
// forces the next sync for that context into Snapshot mode.
func TestScenarioS6PendingEvictionAndSnapshotFallback(t *testing.T) {
	contextID := entID(1)
	localApp, localGraph := newApplierAndGraph(0xB2)

	const orphanCount = 150
	for i := 0; i < orphanCount; i++ {
		missingParent := entID(byte(200 + (i % 50)))
		ent := entID(byte(i % 250))
		actions := []dag.Action{{Kind: dag.ActionAdd, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entID(9), 1)}}
		delta := dag.NewDelta([]ids.ID{missingParent}, actions, hlc.New(uint64(i+1), 0), [32]byte{})
		applied, err := localGraph.AddDelta(delta, localApp.AsDAGApplier())
		require.NoError(t, err)
		require.False(t, applied, "orphan delta must buffer, not apply, while its parent is missing")
	}
	require.Equal(t, orphanCount, localGraph.PendingStats().Count)

	// pending_snapshot_threshold defaults to 100; 150 pending exceeds it,
	// so CleanupStale's burst signal must already be set before any
	// entries even age out.
	evicted, burst := localGraph.CleanupStale(time.Hour)
	assert.Equal(t, 0, evicted, "nothing has aged out yet")
	assert.True(t, burst, "150 pending must trip the burst-eviction threshold")

	time.Sleep(15 * time.Millisecond)
	evicted, _ = localGraph.CleanupStale(10 * time.Millisecond)
	assert.Equal(t, orphanCount, evicted, "all orphans must age out once past pending_max_age_ms")
	assert.Equal(t, 0, localGraph.PendingStats().Count)

	// Separately: the scheduler forces Snapshot mode for a context whose
	// pending count exceeds PendingDeltaThreshold, regardless of eviction
	// timing (spec §4.8's back-pressure rule).
	dagStore := dagstore.New(func(ids.ID) (storage.Store, error) { return newMemStore(), nil })
	entry, err := dagStore.GetOrCreate(contextID)
	require.NoError(t, err)
	burstApp := applier.New(entry.Store, merge.New(), entID(0xB2), ids.Zero)
	for i := 0; i < orphanCount; i++ {
		missingParent := entID(byte(200 + (i % 50)))
		ent := entID(byte(i % 250))
		actions := []dag.Action{{Kind: dag.ActionAdd, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entID(9), 1)}}
		delta := dag.NewDelta([]ids.ID{missingParent}, actions, hlc.New(uint64(i+1), 0), [32]byte{})
		_, err := entry.Graph.AddDelta(delta, burstApp.AsDAGApplier())
		require.NoError(t, err)
	}

	identity, err := stream.NewIdentityKey()
	require.NoError(t, err)
	remote, err := stream.NewIdentityKey()
	require.NoError(t, err)
	remoteGraph, remoteApp := dag.New(), applier.New(newMemStore(), merge.New(), entID(0xA1), ids.Zero)

	dialer := &loopbackDialer{t: t, remotePartyID: entID(0xA1), remoteIdentity: remote, remoteGraph: remoteGraph, remoteApp: remoteApp}
	factory := func(contextID ids.ID, store storage.Store) *applier.Applier {
		return applier.New(store, merge.New(), entID(0xB2), ids.Zero)
	}
	sched := scheduler.New(scheduler.Config{
		Frequency:             5 * time.Millisecond,
		Interval:              time.Millisecond,
		Timeout:               2 * time.Second,
		MaxConcurrent:         4,
		PendingDeltaThreshold: 100,
	}, dagStore, factory, dialer, fixedMember{peerID: entID(0xA1)}, identity, entID(0xB2), allowAll{}, pairwise.DefaultConfig())

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
	}, 500*time.Millisecond, 5*time.Millisecond, "scheduler never forced Snapshot mode under pending back-pressure")
	sched.Stop()
}

type fixedMember struct{ peerID ids.ID }

func (f fixedMember) Members(ids.ID) []ids.ID { return []ids.ID{f.peerID} }

// loopbackDialer hands every Dial call the client half of a net.Pipe and
// runs a fixed remote peer's handshake plus pairwise responder on the
// other half, mirroring sync/scheduler's own pipeDialer test helper.
type loopbackDialer struct {
	t              *testing.T
	remotePartyID  ids.ID
	remoteIdentity *stream.IdentityKey
	remoteGraph    *dag.Graph
	remoteApp      *applier.Applier
}

func (d *loopbackDialer) Dial(ctx context.Context, contextID, peerID ids.ID) (io.ReadWriteCloser, error) {
	clientConn, serverConn := net.Pipe()
	go func() {
		hs, err := stream.Handshake(context.Background(), serverConn, contextID, d.remotePartyID, peerID, d.remoteIdentity, allowAll{}, false)
		if err != nil {
			return
		}
		sess := pairwise.New(pairwise.DefaultConfig(), hs.Session, contextID, d.remoteGraph, d.remoteApp)
		_ = sess.RunResponder(context.Background())
	}()
	return clientConn, nil
}
