// Package snapshot implements whole-context state transfer and recovery:
// canonical dumps of every entity plus its Merkle index hash, verified
// entity-by-entity before being applied (spec §4.4 "Snapshot & Merkle
// Tree"), grounded on original_source's crates/storage/src/snapshot.rs.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/rechain/sovereignsync/applier"
	"github.com/rechain/sovereignsync/crdt/index"
	"github.com/rechain/sovereignsync/pkg/ids"
)

// Entry is one entity's raw, content-addressed record.
type Entry struct {
	ID   ids.ID
	Data []byte
}

// IndexEntry is one entity's claimed content hash, used to verify Entries
// before they are trusted.
type IndexEntry struct {
	ID      ids.ID
	OwnHash [32]byte
}

// Snapshot is a canonical dump of a context's entity storage, mirroring
// original_source's Snapshot{entity_count, index_count, entries, indexes,
// root_hash, timestamp}.
type Snapshot struct {
	EntityCount int
	IndexCount  int
	Entries     []Entry
	Indexes     []IndexEntry
	RootHash    [32]byte
	CreatedAtNs uint64
}

// Generate builds a snapshot of a's current state. Network snapshots
// (full=false) omit tombstoned entities entirely, minimizing transfer
// size; full snapshots (full=true) include them for debugging/backup.
func Generate(ctx context.Context, a *applier.Applier, full bool) (*Snapshot, error) {
	snap := &Snapshot{RootHash: a.RootHash(), CreatedAtNs: uint64(time.Now().UnixNano())}

	err := a.Iterate(ctx, func(id ids.ID, raw []byte, tombstone bool) error {
		if tombstone && !full {
			return nil
		}
		hash, ok := a.OwnHash(id)
		if !ok {
			return fmt.Errorf("snapshot: no index entry for entity %s", id.Hex())
		}
		snap.Entries = append(snap.Entries, Entry{ID: id, Data: append([]byte(nil), raw...)})
		snap.Indexes = append(snap.Indexes, IndexEntry{ID: id, OwnHash: hash})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: generate: %w", err)
	}

	snap.EntityCount = len(snap.Entries)
	snap.IndexCount = len(snap.Indexes)
	return snap, nil
}

// Verify checks every entry's content hash against its claimed index
// entry (spec §4.4 I7 step 1), without mutating any storage. Entries with
// no matching index entry are allowed through (orphaned-data cleanup, per
// original_source's snapshot.rs comment), matching the teacher's
// lenient-by-default verification stance.
func Verify(snap *Snapshot) error {
	expected := make(map[ids.ID][32]byte, len(snap.Indexes))
	for _, ie := range snap.Indexes {
		expected[ie.ID] = ie.OwnHash
	}

	for _, e := range snap.Entries {
		want, ok := expected[e.ID]
		if !ok {
			continue
		}
		if !index.Verify(e.ID, e.Data, index.Hash(want)) {
			return fmt.Errorf("snapshot: entity %s hash mismatch: snapshot may be tampered", e.ID.Hex())
		}
	}
	return nil
}

// Apply verifies snap (step 1), then atomically replaces a's storage with
// its contents (steps 2-3) and reconciles the resulting root hash against
// snap.RootHash (steps 4). On any verification or root mismatch, a is
// rolled back to empty and an error is returned (spec §4.4 I7).
func Apply(ctx context.Context, a *applier.Applier, snap *Snapshot) error {
	if err := Verify(snap); err != nil {
		return err
	}

	if err := a.Reset(ctx); err != nil {
		return fmt.Errorf("snapshot: clear storage: %w", err)
	}

	for _, e := range snap.Entries {
		if err := a.PutRaw(ctx, e.ID, e.Data); err != nil {
			_ = a.Reset(ctx)
			return fmt.Errorf("snapshot: write entity %s: %w", e.ID.Hex(), err)
		}
	}

	if a.RootHash() != snap.RootHash {
		_ = a.Reset(ctx)
		return fmt.Errorf("snapshot: root hash mismatch after apply: snapshot may be corrupted")
	}
	return nil
}

// ApplyUnchecked applies snap without verifying entity hashes or the
// resulting root hash. Only safe for trusted sources such as a node's own
// local backups; untrusted (network) snapshots must use Apply.
func ApplyUnchecked(ctx context.Context, a *applier.Applier, snap *Snapshot) error {
	if err := a.Reset(ctx); err != nil {
		return fmt.Errorf("snapshot: clear storage: %w", err)
	}
	for _, e := range snap.Entries {
		if err := a.PutRaw(ctx, e.ID, e.Data); err != nil {
			return fmt.Errorf("snapshot: write entity %s: %w", e.ID.Hex(), err)
		}
	}
	return nil
}
