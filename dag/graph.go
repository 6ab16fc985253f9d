package dag

import (
	"sync"
	"time"

	"github.com/rechain/sovereignsync/pkg/ids"
)

// burstEvictionThreshold is the pending-set size at which CleanupStale
// requests a snapshot-sync fallback instead of trusting incremental
// catch-up to converge (spec §4.2 "burst eviction (threshold 100 pending)").
const burstEvictionThreshold = 100

// Applier applies a delta's actions to storage and returns the resulting
// root hash, or an error if application failed. errs wrapping
// ErrNonRecoverable quarantine the delta instead of requeuing it.
type Applier func(delta *CausalDelta) error

type pendingEntry struct {
	delta      *CausalDelta
	receivedAt time.Time
}

// Graph is a single context's causal delta DAG.
type Graph struct {
	mu sync.Mutex

	heads          map[ids.ID]struct{}
	applied        map[ids.ID]*CausalDelta
	order          []ids.ID // application order, parents always precede children
	pending        map[ids.ID]*pendingEntry
	missingParents map[ids.ID]map[ids.ID]struct{} // missing parent id -> set of pending delta ids waiting on it
}

// New creates an empty causal DAG.
func New() *Graph {
	return &Graph{
		heads:          make(map[ids.ID]struct{}),
		applied:        make(map[ids.ID]*CausalDelta),
		pending:        make(map[ids.ID]*pendingEntry),
		missingParents: make(map[ids.ID]map[ids.ID]struct{}),
	}
}

// AllApplied returns every applied delta in application order (a parent
// always precedes its children), the ordering package sync/pairwise needs
// for DeltaSync batch transfer.
func (g *Graph) AllApplied() []*CausalDelta {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*CausalDelta, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.applied[id])
	}
	return out
}

// AncestorSet returns start plus every applied delta transitively reached
// by following Parents from start. Ids not present in the applied set are
// silently skipped (they name a gap, not an ancestor).
func (g *Graph) AncestorSet(start []ids.ID) map[ids.ID]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[ids.ID]struct{}, len(start))
	queue := append([]ids.ID(nil), start...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		d, ok := g.applied[id]
		if !ok {
			continue
		}
		queue = append(queue, d.Parents...)
	}
	return seen
}

// Heads returns the current DAG tips, sorted.
func (g *Graph) Heads() []ids.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ids.ID, 0, len(g.heads))
	for id := range g.heads {
		out = append(out, id)
	}
	ids.Sort(out)
	return out
}

// Applied reports whether id has been applied.
func (g *Graph) Applied(id ids.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.applied[id]
	return ok
}

// Get returns an applied delta by id.
func (g *Graph) Get(id ids.ID) (*CausalDelta, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.applied[id]
	return d, ok
}

// AddDelta implements the add_delta algorithm (spec §4.2):
//  1. If id already applied, return false.
//  2. If every parent is applied, apply the delta and recursively apply any
//     pending delta whose last missing parent was this one; update heads.
//  3. Otherwise record it as pending along with its missing parents.
func (g *Graph) AddDelta(delta *CausalDelta, apply Applier) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addDeltaLocked(delta, apply)
}

func (g *Graph) addDeltaLocked(delta *CausalDelta, apply Applier) (bool, error) {
	if _, ok := g.applied[delta.ID]; ok {
		return false, nil
	}

	missing := g.unappliedParentsLocked(delta.Parents)
	if len(missing) > 0 {
		g.pending[delta.ID] = &pendingEntry{delta: delta, receivedAt: time.Now()}
		for _, parent := range missing {
			if g.missingParents[parent] == nil {
				g.missingParents[parent] = make(map[ids.ID]struct{})
			}
			g.missingParents[parent][delta.ID] = struct{}{}
		}
		return false, nil
	}

	if err := apply(delta); err != nil {
		return false, err
	}
	g.applied[delta.ID] = delta
	g.order = append(g.order, delta.ID)

	for _, parent := range delta.Parents {
		delete(g.heads, parent)
	}
	if g.missingParents[delta.ID] == nil {
		g.heads[delta.ID] = struct{}{}
	}

	waiters, ok := g.missingParents[delta.ID]
	delete(g.missingParents, delta.ID)
	if !ok {
		return true, nil
	}

	for waiterID := range waiters {
		entry, ok := g.pending[waiterID]
		if !ok {
			continue
		}
		if len(g.unappliedParentsLocked(entry.delta.Parents)) > 0 {
			continue
		}
		delete(g.pending, waiterID)
		if _, err := g.addDeltaLocked(entry.delta, apply); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (g *Graph) unappliedParentsLocked(parents []ids.ID) []ids.ID {
	var missing []ids.ID
	for _, p := range parents {
		if _, ok := g.applied[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// CleanupStale evicts pending deltas received more than maxAge ago.
// burstThresholdHit reports whether the pending set size at call time met
// or exceeded burstEvictionThreshold, signalling that incremental catch-up
// is failing and a snapshot-sync fallback should be scheduled.
func (g *Graph) CleanupStale(maxAge time.Duration) (evicted int, burstThresholdHit bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	burstThresholdHit = len(g.pending) >= burstEvictionThreshold
	now := time.Now()
	for id, entry := range g.pending {
		if now.Sub(entry.receivedAt) <= maxAge {
			continue
		}
		delete(g.pending, id)
		for _, parent := range entry.delta.Parents {
			if waiters, ok := g.missingParents[parent]; ok {
				delete(waiters, id)
				if len(waiters) == 0 {
					delete(g.missingParents, parent)
				}
			}
		}
		evicted++
	}
	return evicted, burstThresholdHit
}

// PendingStats mirrors pending_stats(): the number of pending deltas, the
// age in seconds of the oldest one, and the total count of distinct
// missing parent ids they are collectively waiting on.
type PendingStats struct {
	Count               int
	OldestAgeSecs       float64
	TotalMissingParents int
}

// PendingStats returns observability counters over the pending set.
func (g *Graph) PendingStats() PendingStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := PendingStats{Count: len(g.pending), TotalMissingParents: len(g.missingParents)}
	now := time.Now()
	for _, entry := range g.pending {
		age := now.Sub(entry.receivedAt).Seconds()
		if age > stats.OldestAgeSecs {
			stats.OldestAgeSecs = age
		}
	}
	return stats
}
