package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rechain/sovereignsync/merkletree"
)

// merkleParams packs every key/value into its own leaf, giving per-key
// inclusion proofs rather than the byte-budget chunking used by the
// differential-sync tree in package merkletree (which this type is built
// on top of, reusing its leaf/node hashing rules).
var merkleParams = merkletree.Params{Fanout: 2, LeafTargetBytes: 0}

// MerkleStore is a storage implementation that maintains a Merkle tree
// over its key space for state verification and inclusion proofs.
type MerkleStore struct {
	base Store
	tree *merkletree.Tree
	mu   sync.RWMutex

	height uint64
}

// NewMerkleStore creates a new Merkle-backed store wrapping base.
func NewMerkleStore(base Store) (*MerkleStore, error) {
	ms := &MerkleStore{base: base, tree: merkletree.Build(nil, merkleParams)}
	if err := ms.rebuildTree(); err != nil {
		return nil, fmt.Errorf("failed to rebuild Merkle tree: %w", err)
	}
	return ms, nil
}

// rebuildTree rebuilds the Merkle tree from the underlying store.
func (ms *MerkleStore) rebuildTree() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var entries []merkletree.Entry
	err := ms.base.Iterate(context.Background(), nil, func(key, value []byte) error {
		if isInternalKey(key) {
			return nil
		}
		entries = append(entries, merkletree.Entry{Key: string(key), Value: append([]byte(nil), value...)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to iterate over base store: %w", err)
	}

	ms.tree = merkletree.Build(entries, merkleParams)
	return nil
}

// Get retrieves a value by key.
func (ms *MerkleStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.base.Get(ctx, key)
}

// Set sets a value for a key and rebuilds the Merkle tree.
func (ms *MerkleStore) Set(ctx context.Context, key, value []byte) error {
	if err := ms.base.Set(ctx, key, value); err != nil {
		return fmt.Errorf("failed to set key in base store: %w", err)
	}
	if err := ms.rebuildTree(); err != nil {
		return fmt.Errorf("failed to rebuild Merkle tree after set: %w", err)
	}
	return nil
}

// Delete removes a key and rebuilds the Merkle tree.
func (ms *MerkleStore) Delete(ctx context.Context, key []byte) error {
	if err := ms.base.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key from base store: %w", err)
	}
	if err := ms.rebuildTree(); err != nil {
		return fmt.Errorf("failed to rebuild Merkle tree after delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (ms *MerkleStore) Has(ctx context.Context, key []byte) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.base.Has(ctx, key)
}

// Iterate iterates over all keys with the given prefix.
func (ms *MerkleStore) Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.base.Iterate(ctx, prefix, fn)
}

// Close closes the store.
func (ms *MerkleStore) Close() error {
	return ms.base.Close()
}

// RootHash returns the current Merkle root hash.
func (ms *MerkleStore) RootHash() []byte {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	root := ms.tree.RootHash()
	return root[:]
}

// proofStepWire is the JSON-serialized form of a merkletree.ProofStep,
// since the Store-facing API deals in [][]byte rather than tree internals.
type proofStepWire struct {
	Siblings [][]byte `json:"siblings"`
	Index    int      `json:"index"`
}

// GetProof returns a Merkle inclusion proof for the given key, as a
// sequence of JSON-encoded proof steps from leaf to root.
func (ms *MerkleStore) GetProof(key []byte) ([][]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	leafIndex := -1
	for _, leaf := range ms.tree.Leaves {
		if leaf.StartKey == string(key) {
			leafIndex = leaf.Index
			break
		}
	}
	if leafIndex == -1 {
		return nil, fmt.Errorf("key %q not found in Merkle tree", key)
	}

	steps, ok := ms.tree.Proof(leafIndex)
	if !ok {
		return nil, fmt.Errorf("no proof available for key %q", key)
	}

	out := make([][]byte, len(steps))
	for i, step := range steps {
		siblings := make([][]byte, len(step.Siblings))
		for j, h := range step.Siblings {
			siblings[j] = append([]byte(nil), h[:]...)
		}
		wire := proofStepWire{Siblings: siblings, Index: step.Index}
		encoded, err := json.Marshal(wire)
		if err != nil {
			return nil, fmt.Errorf("encode proof step %d: %w", i, err)
		}
		out[i] = encoded
	}
	return out, nil
}

// VerifyProof verifies a Merkle inclusion proof for key/value against the
// store's current root hash.
func (ms *MerkleStore) VerifyProof(key, value []byte, proof [][]byte) bool {
	return VerifyProof(ms.RootHash(), key, value, proof)
}

// VerifyProof verifies a Merkle inclusion proof for key/value against root.
func VerifyProof(root []byte, key, value []byte, proof [][]byte) bool {
	if len(root) != len(merkletree.Hash{}) {
		return false
	}
	var rootHash merkletree.Hash
	copy(rootHash[:], root)

	leafHash := merkletree.HashLeaf(0, []merkletree.Entry{{Key: string(key), Value: value}})

	steps := make([]merkletree.ProofStep, len(proof))
	for i, encoded := range proof {
		var wire proofStepWire
		if err := json.Unmarshal(encoded, &wire); err != nil {
			return false
		}
		siblings := make([]merkletree.Hash, len(wire.Siblings))
		for j, s := range wire.Siblings {
			if len(s) != len(merkletree.Hash{}) {
				return false
			}
			copy(siblings[j][:], s)
		}
		steps[i] = merkletree.ProofStep{Siblings: siblings, Index: wire.Index}
	}

	return merkletree.VerifyProof(rootHash, leafHash, steps)
}

// Commit commits the current root hash at the current height and returns it.
func (ms *MerkleStore) Commit() ([]byte, error) {
	ms.mu.Lock()
	root := ms.tree.RootHash()
	height := ms.height
	ms.height++
	ms.mu.Unlock()

	rootKey := ms.rootKey(height)
	if err := ms.base.Set(context.Background(), rootKey, root[:]); err != nil {
		return nil, fmt.Errorf("failed to store root hash: %w", err)
	}
	return root[:], nil
}

// LoadState returns the root hash committed at the given height.
func (ms *MerkleStore) LoadState(height uint64) ([]byte, error) {
	rootKey := ms.rootKey(height)
	rootHash, err := ms.base.Get(context.Background(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load root hash for height %d: %w", height, err)
	}
	return rootHash, nil
}

func (ms *MerkleStore) rootKey(height uint64) []byte {
	return []byte(fmt.Sprintf("_root/%d", height))
}

func isInternalKey(key []byte) bool {
	return len(key) >= 6 && string(key[:6]) == "_root/"
}
