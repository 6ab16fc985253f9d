package tests

import (
	"context"
	"testing"
	"time"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/sync/pairwise"
	"github.com/rechain/sovereignsync/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioS5DivergenceDetectionAndReconciliation is spec.md §8's S5:
// A and B share the same DAG heads but disagree on root hash (standing in
// for spec's non-deterministic WASM replay, which this engine has no
// wired execution layer to actually reproduce). A's heartbeat carrying
// its root hash reaches B; B's gossip.Protocol.OnDivergence fires because
// heads match but roots don't, and a HashComparison pairwise session
// between the two transfers the differing entity and reconverges them.
func TestScenarioS5DivergenceDetectionAndReconciliation(t *testing.T) {
	contextID := entID(1)
	a := newGossipNode(t, entID(0xA1))
	b := newGossipNode(t, entID(0xB2))
	peerWith(t, a, b)

	ent := entID(7)
	shared := a.produce(contextID, 1, []dag.Action{
		{Kind: dag.ActionAdd, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 1)},
	})
	a.broadcast(t, contextID, shared)
	waitFor(t, 2*time.Second, func() bool {
		_, graph := b.localApplier(contextID)
		return graph.Applied(shared.ID)
	})
	require.Equal(t, a.rootHash(contextID), b.rootHash(contextID))

	// Diverge B silently: an entity A never received, without any DAG
	// delta recording it, mirroring pairwise_test.go's
	// TestHashCompareModeMergesDivergentEntities setup for the same gap.
	divergentEnt := entID(8)
	bApp, _ := b.localApplier(contextID)
	require.NoError(t, bApp.PutRaw(context.Background(), divergentEnt, []byte(`{"type":"g_counter","data":"AAA=","hlc":0,"tombstone":false}`)))
	require.NotEqual(t, a.rootHash(contextID), b.rootHash(contextID))

	// A's heartbeat (heads match, root doesn't) reaches B and must trip
	// OnDivergence.
	var diverged bool
	b.proto.OnDivergence = func(gotContextID ids.ID, peerRoot [32]byte) {
		diverged = true
		assert.Equal(t, contextID, gotContextID)
		assert.Equal(t, a.rootHash(contextID), peerRoot)
	}

	_, aGraph := a.localApplier(contextID)
	heartbeat := wire.HashHeartbeat{ContextID: contextID, RootHash: a.rootHash(contextID), DagHeads: aGraph.Heads()}
	require.NoError(t, b.proto.HandleReceive(wire.EncodeHashHeartbeat(heartbeat)))
	assert.True(t, diverged, "B must detect the root mismatch from A's heartbeat")

	// A HashComparison pairwise session between the two (the reconciliation
	// OnDivergence schedules) must transfer the divergent entity and
	// reconverge both sides' root hashes.
	aApp, _ := a.localApplier(contextID)
	cConn, rConn := pairedSessions(t, contextID)
	cfg := pairwise.DefaultConfig()
	_, aSessionGraph := a.localApplier(contextID)
	_, bSessionGraph := b.localApplier(contextID)
	initSess := pairwise.New(cfg, cConn, contextID, aSessionGraph, aApp)
	respSess := pairwise.New(cfg, rConn, contextID, bSessionGraph, bApp)

	initErr, respErr := runBothSides(t, initSess, respSess, true, -1)
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	assert.Equal(t, a.rootHash(contextID), b.rootHash(contextID), "HashComparison must reconcile the divergent entity")
}
