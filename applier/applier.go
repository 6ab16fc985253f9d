// Package applier implements the delta applier: it walks a CausalDelta's
// actions, resolving each target entity by CRDT-merging or LWW-overwriting
// it, keeping the per-context Merkle index up to date, and reconciling the
// post-apply root hash against the delta's declared expectation (spec §4.3
// "Delta Applier & Reconciliation").
package applier

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rechain/sovereignsync/crdt"
	"github.com/rechain/sovereignsync/crdt/index"
	"github.com/rechain/sovereignsync/crdt/merge"
	"github.com/rechain/sovereignsync/dag"
	"github.com/rechain/sovereignsync/internal/storage"
	"github.com/rechain/sovereignsync/pkg/hlc"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// ErrNonRecoverable marks a failure the applier cannot retry its way out
// of (corrupt serialization, an unknown CRDT type). Callers quarantine the
// offending delta instead of requeuing it. Any other returned error is
// assumed recoverable (transient storage I/O) and safe to retry.
var ErrNonRecoverable = errors.New("applier: non-recoverable")

// entityKeyPrefix namespaces entity records within the context store,
// keeping them out of the way of any other key space a caller layers on
// top of the same storage.Store (e.g. snapshot bookkeeping keys).
const entityKeyPrefix = "entity/"

// record is what the applier actually stores and hashes for each entity.
// Hashing the full record (not just the CRDT payload) means index own_hash
// and the bytes a snapshot transfers are the exact same thing, so §4.4
// verification's "recompute SHA256 of its bytes" needs no special-casing
// for tombstones.
type record struct {
	Type      crdt.CRDTType `json:"type"`
	Data      []byte        `json:"data"`
	HLC       hlc.Clock     `json:"hlc"`
	Tombstone bool          `json:"tombstone,omitempty"`
	DeletedAt hlc.Clock     `json:"deleted_at,omitempty"`
}

// Applier applies deltas to one context's entity storage and Merkle index.
type Applier struct {
	store    storage.Store
	index    *index.Index
	registry *merge.Registry
	actor    ids.ID

	mu         sync.Mutex
	quarantine map[ids.ID]*dag.CausalDelta
	rootID     ids.ID

	// OnRootMismatch, if set, is called whenever a delta's post-apply root
	// hash does not match its expected_root_hash. The delta is still
	// accepted (I2 is preserved); the caller is expected to schedule a
	// HashComparison pairwise sync with the delta's author (§4.7).
	OnRootMismatch func(delta *dag.CausalDelta, computed [32]byte)
}

// New creates an Applier over store, using registry for typed CRDT merges
// and actor as the local scratch-construction identity. rootID designates
// the distinguished entity that accumulates into the context root hash;
// contexts with a single logical root typically pass ids.Zero.
func New(store storage.Store, registry *merge.Registry, actor, rootID ids.ID) *Applier {
	a := &Applier{
		store:      store,
		index:      index.New(),
		registry:   registry,
		actor:      actor,
		quarantine: make(map[ids.ID]*dag.CausalDelta),
		rootID:     rootID,
	}
	a.index.SetRoot(rootID)
	return a
}

func entityKey(id ids.ID) []byte {
	return []byte(entityKeyPrefix + id.Hex())
}

// idx returns the current Merkle index, guarding against Reset swapping it
// out from under a concurrent reader.
func (a *Applier) idx() *index.Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index
}

// RootHash returns the context's current root hash.
func (a *Applier) RootHash() [32]byte {
	h, _ := a.idx().RootHash()
	return [32]byte(h)
}

// Index exposes the underlying Merkle index for snapshot/proof callers.
func (a *Applier) Index() *index.Index {
	return a.idx()
}

// Apply implements the §4.3 algorithm over every action in delta, then
// reconciles the resulting root hash against delta.ExpectedRootHash.
func (a *Applier) Apply(delta *dag.CausalDelta) error {
	ctx := context.Background()
	for i, action := range delta.Actions {
		if err := a.applyAction(ctx, delta, action); err != nil {
			return fmt.Errorf("applier: action %d (%s) on %s: %w", i, action.Kind, action.EntityID.Hex(), err)
		}
	}

	computed := a.RootHash()
	if computed != delta.ExpectedRootHash {
		if a.OnRootMismatch != nil {
			a.OnRootMismatch(delta, computed)
		}
	}
	return nil
}

func (a *Applier) applyAction(ctx context.Context, delta *dag.CausalDelta, action dag.Action) error {
	if action.Kind == dag.ActionCompare {
		// Compare actions carry no mutation; they are artifacts of a
		// HashComparison sync round handled by package sync/pairwise.
		return nil
	}

	key := entityKey(action.EntityID)
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load entity: %w", err)
	}

	var existing *record
	if raw != nil {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: corrupt entity record: %v", ErrNonRecoverable, err)
		}
		existing = &rec
	}

	var next record
	switch action.Kind {
	case dag.ActionDelete:
		next, err = a.resolveDelete(existing, action, delta.HLC)
	default: // ActionAdd, ActionUpdate
		next, err = a.resolveMutation(existing, action, delta.HLC)
	}
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode entity record: %w", err)
	}
	if err := a.store.Set(ctx, key, encoded); err != nil {
		return fmt.Errorf("persist entity: %w", err)
	}

	a.idx().Put(action.EntityID, encoded, a.rootID, action.EntityID != a.rootID)
	return nil
}

// resolveMutation handles Add/Update: merge with the existing CRDT state if
// the incoming HLC is not strictly dominant, else LWW-overwrite.
func (a *Applier) resolveMutation(existing *record, action dag.Action, incomingHLC hlc.Clock) (record, error) {
	if existing == nil {
		return record{Type: action.CRDTType, Data: action.Data, HLC: incomingHLC}, nil
	}

	if incomingHLC.After(existing.HLC) {
		return record{Type: action.CRDTType, Data: action.Data, HLC: incomingHLC}, nil
	}

	if existing.Type != action.CRDTType {
		// Different CRDT types can never be merged; the newer write wins
		// (still well-defined: ties and older-than-existing both resolve
		// to keeping the stored value, but a type change always means the
		// stored value predates a schema change, not a concurrent edit).
		return *existing, nil
	}

	merged, err := a.registry.Merge(action.CRDTType, a.actor, existing.Data, action.Data)
	if err != nil {
		// Merge only fails on malformed CRDT bytes (unknown types already
		// fall back to whole-blob LWW inside the registry), so any error
		// here means corrupt serialization: non-recoverable.
		return record{}, fmt.Errorf("%w: %v", ErrNonRecoverable, err)
	}

	newHLC := existing.HLC
	if incomingHLC.After(newHLC) {
		newHLC = incomingHLC
	}
	return record{Type: action.CRDTType, Data: merged, HLC: newHLC}, nil
}

// resolveDelete handles "delete_ref": a tombstone, not a physical removal,
// since a full snapshot must still be able to report deleted entities.
func (a *Applier) resolveDelete(existing *record, action dag.Action, incomingHLC hlc.Clock) (record, error) {
	if existing == nil {
		return record{Type: action.CRDTType, Tombstone: true, HLC: incomingHLC, DeletedAt: action.DeletedAt}, nil
	}
	if !incomingHLC.After(existing.HLC) && existing.HLC != 0 {
		// A stale delete observed after a newer write: keep the newer
		// state rather than resurrecting an already-superseded tombstone.
		return *existing, nil
	}
	return record{Type: existing.Type, Data: existing.Data, Tombstone: true, HLC: incomingHLC, DeletedAt: action.DeletedAt}, nil
}

// AsDAGApplier adapts Apply to the dag.Applier signature dag.Graph.AddDelta
// expects, splitting failures into quarantine (non-recoverable: swallowed
// so a bad delta doesn't spin forever) and requeue (recoverable: the error
// is returned so the caller's retry loop can resubmit the same delta to
// dag.AddDelta later).
func (a *Applier) AsDAGApplier() dag.Applier {
	return func(delta *dag.CausalDelta) error {
		err := a.Apply(delta)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNonRecoverable) {
			a.mu.Lock()
			a.quarantine[delta.ID] = delta
			a.mu.Unlock()
			return nil
		}
		return err
	}
}

// RootID returns the context's distinguished root entity id.
func (a *Applier) RootID() ids.ID {
	return a.rootID
}

// OwnHash returns the entity's recorded content hash, as tracked by the
// Merkle index (spec §4.4 "own_hash").
func (a *Applier) OwnHash(id ids.ID) ([32]byte, bool) {
	h, ok := a.idx().OwnHash(id)
	return [32]byte(h), ok
}

// Iterate visits every stored entity record, decoding its tombstone flag
// for the caller without exposing the applier's private wire format. Used
// by package snapshot to build network/full snapshots.
func (a *Applier) Iterate(ctx context.Context, fn func(id ids.ID, raw []byte, tombstone bool) error) error {
	return a.store.Iterate(ctx, []byte(entityKeyPrefix), func(key, raw []byte) error {
		idHex := string(key[len(entityKeyPrefix):])
		idBytes, err := hex.DecodeString(idHex)
		if err != nil {
			return fmt.Errorf("applier: malformed entity key %q: %w", key, err)
		}
		id, err := ids.FromBytes(idBytes)
		if err != nil {
			return fmt.Errorf("applier: malformed entity id in key %q: %w", key, err)
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("applier: corrupt entity record for %s: %w", id.Hex(), err)
		}
		return fn(id, raw, rec.Tombstone)
	})
}

// PutRaw writes a previously-encoded entity record verbatim (as produced
// by Iterate) and updates the Merkle index to match. Used by package
// snapshot when applying a received snapshot.
func (a *Applier) PutRaw(ctx context.Context, id ids.ID, raw []byte) error {
	if err := a.store.Set(ctx, entityKey(id), raw); err != nil {
		return fmt.Errorf("applier: persist entity %s: %w", id.Hex(), err)
	}
	a.idx().Put(id, raw, a.rootID, id != a.rootID)
	return nil
}

// MergeRaw reconciles a peer's raw entity record (as produced by Iterate)
// into local storage using the same CRDT-merge-or-LWW rule Apply uses for
// ordinary actions, rather than overwriting (spec §4.7 HashComparison:
// "the initiator applies the diff via CRDT merge, not overwrite").
func (a *Applier) MergeRaw(ctx context.Context, id ids.ID, raw []byte) error {
	var incoming record
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return fmt.Errorf("applier: corrupt remote entity record for %s: %w", id.Hex(), err)
	}

	key := entityKey(id)
	existingRaw, err := a.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("applier: load entity %s: %w", id.Hex(), err)
	}

	next := incoming
	if existingRaw != nil {
		var existing record
		if err := json.Unmarshal(existingRaw, &existing); err != nil {
			return fmt.Errorf("%w: corrupt local entity record for %s: %v", ErrNonRecoverable, id.Hex(), err)
		}
		asAction := dag.Action{CRDTType: incoming.Type, Data: incoming.Data, DeletedAt: incoming.DeletedAt}
		if incoming.Tombstone {
			next, err = a.resolveDelete(&existing, asAction, incoming.HLC)
		} else {
			next, err = a.resolveMutation(&existing, asAction, incoming.HLC)
		}
		if err != nil {
			return err
		}
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("applier: encode merged entity %s: %w", id.Hex(), err)
	}
	if err := a.store.Set(ctx, key, encoded); err != nil {
		return fmt.Errorf("applier: persist merged entity %s: %w", id.Hex(), err)
	}
	a.idx().Put(id, encoded, a.rootID, id != a.rootID)
	return nil
}

// Reset clears every stored entity and rebuilds an empty Merkle index
// rooted at the same RootID, used for the clear-then-write step of
// snapshot application.
func (a *Applier) Reset(ctx context.Context) error {
	var keys [][]byte
	if err := a.store.Iterate(ctx, []byte(entityKeyPrefix), func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	}); err != nil {
		return fmt.Errorf("applier: list entities for reset: %w", err)
	}
	for _, key := range keys {
		if err := a.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("applier: delete entity during reset: %w", err)
		}
	}

	a.mu.Lock()
	a.index = index.New()
	a.index.SetRoot(a.rootID)
	a.mu.Unlock()
	return nil
}

// Quarantined returns the ids of deltas that failed non-recoverably.
func (a *Applier) Quarantined() []ids.ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ids.ID, 0, len(a.quarantine))
	for id := range a.quarantine {
		out = append(out, id)
	}
	ids.Sort(out)
	return out
}
