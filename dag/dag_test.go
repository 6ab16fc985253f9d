package dag_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopApplier(*dag.CausalDelta) error { return nil }

func action(entity ids.ID) dag.Action {
	return dag.Action{Kind: dag.ActionAdd, EntityID: entity, CRDTType: crdt.TypeGCounter, Data: []byte("x")}
}

func TestComputeIDDeterministic(t *testing.T) {
	entity := ids.Random()
	a1 := []dag.Action{action(entity)}
	a2 := []dag.Action{action(entity)}

	id1 := dag.ComputeID(nil, a1)
	id2 := dag.ComputeID(nil, a2)
	assert.Equal(t, id1, id2, "identical content must hash identically regardless of HLC")
}

func TestComputeIDIgnoresParentOrder(t *testing.T) {
	p1, p2 := ids.Random(), ids.Random()
	idA := dag.ComputeID([]ids.ID{p1, p2}, nil)
	idB := dag.ComputeID([]ids.ID{p2, p1}, nil)
	assert.Equal(t, idA, idB)
}

func TestAddDeltaRootApplies(t *testing.T) {
	g := dag.New()
	d := dag.NewDelta(nil, []dag.Action{action(ids.Random())}, hlc.New(1, 0), [32]byte{})

	applied, err := g.AddDelta(d, noopApplier)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, g.Applied(d.ID))
	assert.Equal(t, []ids.ID{d.ID}, g.Heads())
}

func TestAddDeltaOrphanIsPending(t *testing.T) {
	g := dag.New()
	missingParent := ids.Random()
	d := dag.NewDelta([]ids.ID{missingParent}, []dag.Action{action(ids.Random())}, hlc.New(1, 0), [32]byte{})

	applied, err := g.AddDelta(d, noopApplier)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, g.Applied(d.ID))

	stats := g.PendingStats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 1, stats.TotalMissingParents)
}

func TestAddDeltaAppliesPendingChainOnParentArrival(t *testing.T) {
	g := dag.New()

	root := dag.NewDelta(nil, []dag.Action{action(ids.Random())}, hlc.New(1, 0), [32]byte{})
	child := dag.NewDelta([]ids.ID{root.ID}, []dag.Action{action(ids.Random())}, hlc.New(2, 0), [32]byte{})

	applied, err := g.AddDelta(child, noopApplier)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = g.AddDelta(root, noopApplier)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.True(t, g.Applied(root.ID))
	assert.True(t, g.Applied(child.ID))
	assert.Equal(t, []ids.ID{child.ID}, g.Heads(), "root is no longer a head once its child is applied")

	stats := g.PendingStats()
	assert.Equal(t, 0, stats.Count)
}

func TestAddDeltaIdempotent(t *testing.T) {
	g := dag.New()
	d := dag.NewDelta(nil, []dag.Action{action(ids.Random())}, hlc.New(1, 0), [32]byte{})

	applied, err := g.AddDelta(d, noopApplier)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = g.AddDelta(d, noopApplier)
	require.NoError(t, err)
	assert.False(t, applied, "re-adding an already-applied delta must be a no-op")
}

func TestAddDeltaApplierErrorPropagates(t *testing.T) {
	g := dag.New()
	boom := errors.New("boom")
	failing := func(*dag.CausalDelta) error { return boom }

	d := dag.NewDelta(nil, []dag.Action{action(ids.Random())}, hlc.New(1, 0), [32]byte{})
	applied, err := g.AddDelta(d, failing)
	assert.False(t, applied)
	assert.ErrorIs(t, err, boom)
	assert.False(t, g.Applied(d.ID))
}

func TestCleanupStaleEvictsOldPending(t *testing.T) {
	g := dag.New()
	missingParent := ids.Random()
	d := dag.NewDelta([]ids.ID{missingParent}, []dag.Action{action(ids.Random())}, hlc.New(1, 0), [32]byte{})

	_, err := g.AddDelta(d, noopApplier)
	require.NoError(t, err)

	evicted, burst := g.CleanupStale(0)
	assert.Equal(t, 1, evicted)
	assert.False(t, burst)

	stats := g.PendingStats()
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 0, stats.TotalMissingParents)
}

func TestCleanupStaleKeepsFreshPending(t *testing.T) {
	g := dag.New()
	missingParent := ids.Random()
	d := dag.NewDelta([]ids.ID{missingParent}, []dag.Action{action(ids.Random())}, hlc.New(1, 0), [32]byte{})

	_, err := g.AddDelta(d, noopApplier)
	require.NoError(t, err)

	evicted, _ := g.CleanupStale(time.Hour)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 1, g.PendingStats().Count)
}
