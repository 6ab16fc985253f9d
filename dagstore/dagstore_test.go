package dagstore_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/dagstore"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal in-memory storage.Store used only to exercise
// dagstore's lifecycle management without a real Badger instance.
type memStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed bool
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

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func contextID(b byte) ids.ID {
	var id ids.ID
	id[0] = b
	return id
}

func TestGetOrCreateCreatesOncePerContext(t *testing.T) {
	var created int
	svc := dagstore.New(func(ids.ID) (storage.Store, error) {
		created++
		return newMemStore(), nil
	})

	ctxID := contextID(1)
	e1, err := svc.GetOrCreate(ctxID)
	require.NoError(t, err)
	e2, err := svc.GetOrCreate(ctxID)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Equal(t, 1, created)
	assert.True(t, svc.Contains(ctxID))
}

func TestGetOrCreatePropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	svc := dagstore.New(func(ids.ID) (storage.Store, error) {
		return nil, boom
	})

	_, err := svc.GetOrCreate(contextID(1))
	assert.ErrorIs(t, err, boom)
}

func TestGetReturnsFalseForUnknownContext(t *testing.T) {
	svc := dagstore.New(func(ids.ID) (storage.Store, error) { return newMemStore(), nil })
	_, ok := svc.Get(contextID(9))
	assert.False(t, ok)
}

func TestContextsReturnsSortedIDs(t *testing.T) {
	svc := dagstore.New(func(ids.ID) (storage.Store, error) { return newMemStore(), nil })

	_, err := svc.GetOrCreate(contextID(3))
	require.NoError(t, err)
	_, err = svc.GetOrCreate(contextID(1))
	require.NoError(t, err)
	_, err = svc.GetOrCreate(contextID(2))
	require.NoError(t, err)

	got := svc.Contexts()
	require.Len(t, got, 3)
	assert.True(t, ids.Compare(got[0], got[1]) < 0)
	assert.True(t, ids.Compare(got[1], got[2]) < 0)
}

func TestCleanupAllStaleAggregatesAcrossContexts(t *testing.T) {
	svc := dagstore.New(func(ids.ID) (storage.Store, error) { return newMemStore(), nil })

	e1, err := svc.GetOrCreate(contextID(1))
	require.NoError(t, err)
	e2, err := svc.GetOrCreate(contextID(2))
	require.NoError(t, err)

	orphan := dag.NewDelta(nil, nil, hlc.New(1, 0), [32]byte{})
	orphan.Parents = []ids.ID{contextID(99)}
	orphan.ID = dag.ComputeID(orphan.Parents, orphan.Actions)
	_, err = e1.Graph.AddDelta(orphan, func(*dag.CausalDelta) error { return nil })
	require.NoError(t, err)

	_ = e2

	evicted, burst := svc.CleanupAllStale(-time.Second)
	assert.Equal(t, 1, evicted)
	assert.Empty(t, burst)
}

func TestCloseClosesEveryStore(t *testing.T) {
	var stores []*memStore
	svc := dagstore.New(func(ids.ID) (storage.Store, error) {
		s := newMemStore()
		stores = append(stores, s)
		return s, nil
	})

	_, err := svc.GetOrCreate(contextID(1))
	require.NoError(t, err)
	_, err = svc.GetOrCreate(contextID(2))
	require.NoError(t, err)

	require.NoError(t, svc.Close())
	for _, s := range stores {
		assert.True(t, s.closed)
	}
}
