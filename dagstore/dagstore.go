// Package dagstore manages the lifecycle of per-context causal DAGs and
// their backing storage, centralizing get-or-create and periodic cleanup
// the way original_source's delta_store_service.rs does for its
// DeltaStoreService (spec §4.2 "Causal DAG", generalized across contexts).
package dagstore

import (
	"sync"
	"time"

	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// Entry bundles one context's causal DAG with its CRDT storage.
type Entry struct {
	ContextID ids.ID
	Graph     *dag.Graph
	Store     storage.Store
}

// Service owns one Entry per context, created on demand.
type Service struct {
	mu     sync.RWMutex
	stores map[ids.ID]*Entry
	newStore func(ids.ID) (storage.Store, error)
}

// New creates a Service. newStore opens (or creates) the backing store for
// a context the first time it is requested.
func New(newStore func(ids.ID) (storage.Store, error)) *Service {
	return &Service{stores: make(map[ids.ID]*Entry), newStore: newStore}
}

// GetOrCreate returns the Entry for contextID, creating it (and its
// backing store) if this is the first request for that context.
func (s *Service) GetOrCreate(contextID ids.ID) (*Entry, error) {
	s.mu.RLock()
	entry, ok := s.stores[contextID]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.stores[contextID]; ok {
		return entry, nil
	}

	store, err := s.newStore(contextID)
	if err != nil {
		return nil, err
	}
	entry = &Entry{ContextID: contextID, Graph: dag.New(), Store: store}
	s.stores[contextID] = entry
	return entry, nil
}

// Get returns the existing Entry for contextID, if any.
func (s *Service) Get(contextID ids.ID) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.stores[contextID]
	return entry, ok
}

// Contains reports whether a store exists for contextID.
func (s *Service) Contains(contextID ids.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[contextID]
	return ok
}

// Contexts returns every context ID with an active store.
func (s *Service) Contexts() []ids.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ids.ID, 0, len(s.stores))
	for id := range s.stores {
		out = append(out, id)
	}
	ids.Sort(out)
	return out
}

// CleanupAllStale runs Graph.CleanupStale across every context, returning
// the total number of evicted pending deltas and the set of contexts whose
// pending set crossed the burst-eviction threshold and need a snapshot-sync
// fallback scheduled.
func (s *Service) CleanupAllStale(maxAge time.Duration) (evicted int, burstContexts []ids.ID) {
	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.stores))
	for _, e := range s.stores {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		n, burst := e.Graph.CleanupStale(maxAge)
		evicted += n
		if burst {
			burstContexts = append(burstContexts, e.ContextID)
		}
	}
	return evicted, burstContexts
}

// Close closes every context's backing store.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, e := range s.stores {
		if err := e.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
