package snapshot_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/crdt/merge"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/rechain/sovereignsync/snapshot"
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

func entityID(b byte) ids.ID {
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

func seedApplier(t *testing.T) *applier.Applier {
	t.Helper()
	a := applier.New(newMemStore(), merge.New(), entityID(0xAA), ids.Zero)

	delta := dag.NewDelta(nil, []dag.Action{
		{Kind: dag.ActionAdd, EntityID: entityID(1), CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entityID(1), 5)},
		{Kind: dag.ActionAdd, EntityID: entityID(2), CRDTType: crdt.TypeGCounter, Data: gcounterBytes(t, entityID(2), 7)},
	}, hlc.New(10, 0), [32]byte{})
	require.NoError(t, a.Apply(delta))
	return a
}

func TestGenerateAndApplyRoundTrips(t *testing.T) {
	ctx := context.Background()
	src := seedApplier(t)

	snap, err := snapshot.Generate(ctx, src, false)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.EntityCount)
	assert.Equal(t, snap.RootHash, src.RootHash())

	dst := applier.New(newMemStore(), merge.New(), entityID(0xBB), ids.Zero)
	require.NoError(t, snapshot.Apply(ctx, dst, snap))
	assert.Equal(t, src.RootHash(), dst.RootHash())
}

func TestNetworkSnapshotExcludesTombstones(t *testing.T) {
	ctx := context.Background()
	a := seedApplier(t)

	del := dag.NewDelta(nil, []dag.Action{
		{Kind: dag.ActionDelete, EntityID: entityID(1), DeletedAt: hlc.New(20, 0)},
	}, hlc.New(20, 0), [32]byte{})
	require.NoError(t, a.Apply(del))

	network, err := snapshot.Generate(ctx, a, false)
	require.NoError(t, err)
	for _, e := range network.Entries {
		assert.NotEqual(t, entityID(1), e.ID)
	}

	full, err := snapshot.Generate(ctx, a, true)
	require.NoError(t, err)
	var sawTombstone bool
	for _, e := range full.Entries {
		if e.ID == entityID(1) {
			sawTombstone = true
		}
	}
	assert.True(t, sawTombstone)
}

func TestVerifyRejectsTamperedEntry(t *testing.T) {
	ctx := context.Background()
	a := seedApplier(t)

	snap, err := snapshot.Generate(ctx, a, false)
	require.NoError(t, err)
	snap.Entries[0].Data = append([]byte(nil), snap.Entries[0].Data...)
	snap.Entries[0].Data[0] ^= 0xFF

	assert.Error(t, snapshot.Verify(snap))
}

func TestApplyRollsBackOnRootMismatch(t *testing.T) {
	ctx := context.Background()
	src := seedApplier(t)

	snap, err := snapshot.Generate(ctx, src, false)
	require.NoError(t, err)
	snap.RootHash[0] ^= 0xFF

	dst := applier.New(newMemStore(), merge.New(), entityID(0xBB), ids.Zero)
	err = snapshot.Apply(ctx, dst, snap)
	assert.Error(t, err)
	assert.Equal(t, [32]byte{}, dst.RootHash())
}

func TestApplyUncheckedSkipsVerification(t *testing.T) {
	ctx := context.Background()
	src := seedApplier(t)

	snap, err := snapshot.Generate(ctx, src, false)
	require.NoError(t, err)
	snap.Entries[0].Data[0] ^= 0xFF // tamper; ApplyUnchecked must not care

	dst := applier.New(newMemStore(), merge.New(), entityID(0xBB), ids.Zero)
	require.NoError(t, snapshot.ApplyUnchecked(ctx, dst, snap))
}
