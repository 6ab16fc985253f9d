package tests

import (
	"testing"
	"time"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarioS1SequentialConvergence is spec.md §8's S1: two empty nodes,
// A produces two increments in order and gossips both to B, and both
// sides must converge on the same counter value, root hash, and heads.
func TestScenarioS1SequentialConvergence(t *testing.T) {
	contextID := entID(1)
	a := newGossipNode(t, entID(0xA1))
	b := newGossipNode(t, entID(0xB2))
	peerWith(t, a, b)

	ent := entID(2)
	d1 := a.produce(contextID, 1, []dag.Action{
		{Kind: dag.ActionAdd, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 1)},
	})
	a.broadcast(t, contextID, d1)

	d2 := a.produce(contextID, 2, []dag.Action{
		{Kind: dag.ActionUpdate, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 1)},
	})
	a.broadcast(t, contextID, d2)

	waitFor(t, 2*time.Second, func() bool {
		heads := b.heads(contextID)
		return len(heads) == 1 && heads[0] == d2.ID
	})

	assert.Equal(t, a.rootHash(contextID), b.rootHash(contextID))
	require.Len(t, a.heads(contextID), 1)
	assert.Equal(t, d2.ID, a.heads(contextID)[0])
}

// TestScenarioS2OutOfOrderBuffering is spec.md §8's S2: B receives D2
// before D1. D2 must sit in pending with D1 marked missing until D1
// arrives, after which both apply and B's root matches A's.
func TestScenarioS2OutOfOrderBuffering(t *testing.T) {
	contextID := entID(1)
	a := newGossipNode(t, entID(0xA1))
	b := newGossipNode(t, entID(0xB2))
	peerWith(t, a, b)

	ent := entID(3)
	d1 := a.produce(contextID, 1, []dag.Action{
		{Kind: dag.ActionAdd, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 1)},
	})
	d2 := a.produce(contextID, 2, []dag.Action{
		{Kind: dag.ActionUpdate, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 1)},
	})

	// Broadcast D2 first: B must buffer it pending D1's arrival.
	a.broadcast(t, contextID, d2)
	waitFor(t, 2*time.Second, func() bool {
		_, graph := b.localApplier(contextID)
		return graph.PendingStats().Count == 1
	})
	_, bGraph := b.localApplier(contextID)
	assert.False(t, bGraph.Applied(d2.ID))

	a.broadcast(t, contextID, d1)
	waitFor(t, 2*time.Second, func() bool {
		_, graph := b.localApplier(contextID)
		return graph.Applied(d2.ID) && graph.PendingStats().Count == 0
	})

	assert.Equal(t, a.rootHash(contextID), b.rootHash(contextID))
}

// TestScenarioS3ConcurrentBranchesMerge is spec.md §8's S3: A and B each
// produce a delta concurrently off the same head; after bidirectional
// gossip both hold two heads, and the next local operation on either
// side merges them into one head whose counter value is the sum of both
// increments.
func TestScenarioS3ConcurrentBranchesMerge(t *testing.T) {
	contextID := entID(1)
	a := newGossipNode(t, entID(0xA1))
	b := newGossipNode(t, entID(0xB2))
	peerWith(t, a, b)
	peerWith(t, b, a)

	ent := entID(4)
	base := a.produce(contextID, 1, []dag.Action{
		{Kind: dag.ActionAdd, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 1)},
	})
	a.broadcast(t, contextID, base)
	waitFor(t, 2*time.Second, func() bool {
		_, graph := b.localApplier(contextID)
		return graph.Applied(base.ID)
	})

	dA := a.produce(contextID, 2, []dag.Action{
		{Kind: dag.ActionUpdate, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 2)},
	})
	dB := b.produce(contextID, 2, []dag.Action{
		{Kind: dag.ActionUpdate, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, b.actor, 5)},
	})
	a.broadcast(t, contextID, dA)
	b.broadcast(t, contextID, dB)

	waitFor(t, 2*time.Second, func() bool {
		_, graphA := a.localApplier(contextID)
		_, graphB := b.localApplier(contextID)
		return graphA.Applied(dB.ID) && graphB.Applied(dA.ID)
	})

	require.Len(t, a.heads(contextID), 2)
	require.Len(t, b.heads(contextID), 2)

	// The next local mutation, on the initiator's side, merges both
	// branches into a single head.
	dMerge := a.produce(contextID, 3, []dag.Action{
		{Kind: dag.ActionUpdate, EntityID: ent, CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, a.actor, 1)},
	})
	require.Len(t, a.heads(contextID), 1)
	assert.Equal(t, dMerge.ID, a.heads(contextID)[0])
	assert.ElementsMatch(t, []ids.ID{dA.ID, dB.ID}, dMerge.Parents, "merge delta must name both branch heads as parents")

	a.broadcast(t, contextID, dMerge)
	waitFor(t, 2*time.Second, func() bool {
		heads := b.heads(contextID)
		return len(heads) == 1 && heads[0] == dMerge.ID
	})

	appA, _ := a.localApplier(contextID)
	total, ok := appA.OwnHash(ent)
	require.True(t, ok)
	appB, _ := b.localApplier(contextID)
	totalB, ok := appB.OwnHash(ent)
	require.True(t, ok)
	assert.Equal(t, total, totalB, "both nodes must agree on the merged counter's own_hash")
	assert.Equal(t, a.rootHash(contextID), b.rootHash(contextID))
}
